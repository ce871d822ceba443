package pipeline

import (
	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/review"
	"github.com/zombor/receipt-capture/internal/scanning"
	"github.com/zombor/receipt-capture/internal/upload"
)

// Stage names a pipeline state for display
type Stage string

const (
	StageIdle       Stage = "idle"
	StageUploading  Stage = "uploading"
	StageProcessing Stage = "processing"
	StageReviewing  Stage = "reviewing"
	StageCommitted  Stage = "committed"
	StageCancelled  Stage = "cancelled"
)

// State is one of Idle, Uploading, Processing, Reviewing, Committed or
// Cancelled.
type State interface {
	Stage() Stage
	isState()
}

// Idle waits for an image.
type Idle struct{}

// Uploading holds the accepted image while it is transferred.
type Uploading struct {
	Asset *capture.Asset
}

// Processing runs OCR on the uploaded image.
type Processing struct {
	Asset   *capture.Asset
	Receipt *upload.Receipt
}

// Reviewing holds the draft while the user corrects it. Result is nil when
// OCR failed.
type Reviewing struct {
	Asset   *capture.Asset
	Receipt *upload.Receipt
	Result  *scanning.Result
	Session *review.Session
}

// Committed is terminal: the expense was handed to the store.
type Committed struct {
	ExpenseID string
	Payload   review.Payload
}

// Cancelled is terminal: everything was discarded.
type Cancelled struct{}

func (Idle) Stage() Stage       { return StageIdle }
func (Uploading) Stage() Stage  { return StageUploading }
func (Processing) Stage() Stage { return StageProcessing }
func (Reviewing) Stage() Stage  { return StageReviewing }
func (Committed) Stage() Stage  { return StageCommitted }
func (Cancelled) Stage() Stage  { return StageCancelled }

func (Idle) isState()       {}
func (Uploading) isState()  {}
func (Processing) isState() {}
func (Reviewing) isState()  {}
func (Committed) isState()  {}
func (Cancelled) isState()  {}

func assetOf(s State) *capture.Asset {
	switch s := s.(type) {
	case Uploading:
		return s.Asset
	case Processing:
		return s.Asset
	case Reviewing:
		return s.Asset
	}
	return nil
}
