package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/category"
	"github.com/zombor/receipt-capture/internal/extract"
	"github.com/zombor/receipt-capture/internal/review"
	"github.com/zombor/receipt-capture/internal/scanning"
	"github.com/zombor/receipt-capture/internal/upload"
)

var (
	// ErrInvalidTransition is returned for actions the current stage does not allow.
	ErrInvalidTransition = errors.New("action not allowed in current stage")
	// ErrCommitFailed wraps expense store failures; the draft stays open.
	ErrCommitFailed = errors.New("committing expense failed")
)

// Uploader moves an accepted image to storage
type Uploader interface {
	Upload(ctx context.Context, asset *capture.Asset) (*upload.Receipt, error)
	Discard(ctx context.Context, r *upload.Receipt) error
}

// Recognizer reads the text on an uploaded image
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, contentType string, progress scanning.ProgressFunc) (*scanning.Result, error)
}

// Committer receives confirmed expenses
type Committer interface {
	Commit(ctx context.Context, payload review.Payload, receipt *upload.Receipt, confidence float64) (string, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	ID         string
	Previews   *capture.PreviewStore
	MaxSize    int64
	Uploader   Uploader
	OCR        Recognizer
	Extractor  *extract.Extractor
	Committer  Committer
	Categories *category.Registry
	Currency   string
	// OnProgress, when set, receives OCR progress for this pipeline.
	OnProgress func(percent int)
	Now        func() time.Time
	Logger     *slog.Logger
}

// Pipeline drives one receipt from intake to a committed expense.
type Pipeline struct {
	id         string
	acquirer   *capture.Acquirer
	previews   *capture.PreviewStore
	uploader   Uploader
	ocr        Recognizer
	extractor  *extract.Extractor
	committer  Committer
	categories *category.Registry
	currency   string
	onProgress func(int)
	now        func() time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	// run changes whenever a run starts or is abandoned, so late results
	// from an old run are dropped
	run        uint64
	cancelRun  context.CancelFunc
	done       chan struct{}
	progress   int
	lastErr    error
	warning    error
	committing bool
}

// New creates an idle Pipeline.
func New(deps Deps) *Pipeline {
	if deps.ID == "" {
		deps.ID = uuid.NewString()
	}
	if deps.Previews == nil {
		deps.Previews = capture.NewPreviewStore()
	}
	if deps.Categories == nil {
		deps.Categories = category.Default()
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(deps.Categories)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("pipeline", deps.ID)

	closed := make(chan struct{})
	close(closed)

	return &Pipeline{
		id:         deps.ID,
		acquirer:   capture.NewAcquirer(deps.Previews, deps.MaxSize, logger),
		previews:   deps.Previews,
		uploader:   deps.Uploader,
		ocr:        deps.OCR,
		extractor:  deps.Extractor,
		committer:  deps.Committer,
		categories: deps.Categories,
		currency:   deps.Currency,
		onProgress: deps.OnProgress,
		now:        deps.Now,
		logger:     logger,
		state:      Idle{},
		done:       closed,
	}
}

// ID identifies the pipeline in logs and URLs
func (p *Pipeline) ID() string {
	return p.id
}

// State returns the current state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetDisabled turns intake off or on.
func (p *Pipeline) SetDisabled(disabled bool) {
	p.acquirer.SetDisabled(disabled)
}

// Start validates src and, when it is acceptable, moves to Uploading and
// continues in the background. Validation failures leave the pipeline Idle.
func (p *Pipeline) Start(ctx context.Context, src capture.Source) error {
	return p.begin(ctx, func(handoff func(*capture.Asset) error) error {
		return p.acquirer.Accept(src, handoff)
	})
}

// StartDrop is Start for a multi-file drop; the first image is used.
func (p *Pipeline) StartDrop(ctx context.Context, files []capture.Source) error {
	return p.begin(ctx, func(handoff func(*capture.Asset) error) error {
		return p.acquirer.AcceptDrop(files, handoff)
	})
}

// Accept runs Start and waits until the image is under review or the
// upload failed.
func (p *Pipeline) Accept(ctx context.Context, src capture.Source) (Snapshot, error) {
	if err := p.Start(ctx, src); err != nil {
		return p.Snapshot(), err
	}
	if err := p.Wait(ctx); err != nil {
		return p.Snapshot(), err
	}
	snap := p.Snapshot()
	return snap, snap.Err
}

func (p *Pipeline) begin(ctx context.Context, intake func(func(*capture.Asset) error) error) error {
	if err := p.checkIdle(); err != nil {
		return err
	}

	err := intake(func(asset *capture.Asset) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, idle := p.state.(Idle); !idle {
			return capture.ErrBusy
		}

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		p.run++
		p.cancelRun = cancel
		p.done = make(chan struct{})
		p.state = Uploading{Asset: asset}
		p.progress = 0
		p.lastErr = nil
		p.warning = nil

		go p.process(runCtx, p.run, asset, p.done)
		return nil
	})
	if err != nil {
		p.mu.Lock()
		if _, idle := p.state.(Idle); idle && !errors.Is(err, capture.ErrBusy) {
			p.lastErr = err
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Pipeline) checkIdle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.(type) {
	case Idle:
		return nil
	case Uploading, Processing, Reviewing:
		return capture.ErrBusy
	}
	return fmt.Errorf("%w: restart before accepting a new receipt", ErrInvalidTransition)
}

// current reports whether gen is still the active run. Callers hold mu.
func (p *Pipeline) current(gen uint64) bool {
	return p.run == gen
}

func (p *Pipeline) process(ctx context.Context, gen uint64, asset *capture.Asset, done chan struct{}) {
	defer close(done)

	receipt, err := p.uploader.Upload(ctx, asset)
	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.current(gen) {
			return
		}
		p.logger.Warn("Receipt upload failed", "filename", asset.Filename, "error", err)
		p.previews.Revoke(asset.Preview)
		p.state = Idle{}
		p.lastErr = err
		p.finishRun()
		return
	}

	p.mu.Lock()
	if !p.current(gen) {
		p.mu.Unlock()
		p.discard(ctx, receipt)
		return
	}
	p.state = Processing{Asset: asset, Receipt: receipt}
	p.mu.Unlock()

	p.logger.Info("Receipt uploaded", "receipt_id", receipt.ID, "key", receipt.Key, "size", receipt.Size)

	result, ocrErr := p.ocr.Recognize(ctx, asset.Data, asset.ContentType, func(percent int) {
		p.reportProgress(gen, percent)
	})

	var fields *extract.Fields
	if ocrErr == nil {
		f := p.extractor.Extract(result.Text, asset.Filename)
		f.Confidence = extract.BlendConfidence(result.Confidence, f.Confidence)
		fields = &f
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.current(gen) {
		// Cancel already discarded the upload it saw in Processing
		return
	}

	preview := asset.Preview
	session := review.Start(fields, review.Options{
		Currency:   p.currency,
		Categories: p.categories,
		Source:     asset.Filename,
		Release:    func() { p.previews.Revoke(preview) },
		Now:        p.now,
	})
	if ocrErr != nil {
		p.logger.Warn("OCR failed, falling back to manual entry", "receipt_id", receipt.ID, "error", ocrErr)
		p.warning = ocrErr
		result = nil
	} else {
		p.logger.Info("Receipt extracted",
			"receipt_id", receipt.ID,
			"engine", result.Engine,
			"merchant", fields.Merchant,
			"amount", fields.Amount,
			"category", fields.Category,
			"confidence", fields.Confidence,
		)
	}
	p.state = Reviewing{Asset: asset, Receipt: receipt, Result: result, Session: session}
	p.finishRun()
}

// finishRun drops the run's cancel func once its background work is over.
// Callers hold mu.
func (p *Pipeline) finishRun() {
	if p.cancelRun != nil {
		p.cancelRun()
		p.cancelRun = nil
	}
}

func (p *Pipeline) reportProgress(gen uint64, percent int) {
	p.mu.Lock()
	if !p.current(gen) {
		p.mu.Unlock()
		return
	}
	if _, ok := p.state.(Processing); !ok || percent < p.progress {
		p.mu.Unlock()
		return
	}
	p.progress = percent
	p.mu.Unlock()

	if p.onProgress != nil {
		p.onProgress(percent)
	}
}

func (p *Pipeline) discard(ctx context.Context, receipt *upload.Receipt) {
	if receipt == nil {
		return
	}
	if err := p.uploader.Discard(context.WithoutCancel(ctx), receipt); err != nil {
		p.logger.Warn("Failed to discard upload", "receipt_id", receipt.ID, "error", err)
	}
}

// Wait blocks until the background work of the current run has finished.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EditField changes one draft field while Reviewing.
func (p *Pipeline) EditField(name, value string) error {
	session, err := p.reviewSession()
	if err != nil {
		return err
	}
	return session.EditField(name, value)
}

// EditFields changes several draft fields at once; either all of them are
// applied or none.
func (p *Pipeline) EditFields(fields map[string]string) error {
	session, err := p.reviewSession()
	if err != nil {
		return err
	}
	return session.EditFields(fields)
}

func (p *Pipeline) reviewSession() (*review.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.committing {
		return nil, capture.ErrBusy
	}
	s, ok := p.state.(Reviewing)
	if !ok {
		return nil, fmt.Errorf("%w: not reviewing", ErrInvalidTransition)
	}
	return s.Session, nil
}

// Confirm hands the reviewed draft to the Committer and moves to
// Committed. A store failure keeps the draft open for another try.
func (p *Pipeline) Confirm(ctx context.Context) (string, error) {
	p.mu.Lock()
	s, ok := p.state.(Reviewing)
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: not reviewing", ErrInvalidTransition)
	}
	if p.committing {
		p.mu.Unlock()
		return "", capture.ErrBusy
	}
	p.committing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.committing = false
		p.mu.Unlock()
	}()

	payload, err := s.Session.Payload()
	if err != nil {
		return "", err
	}
	draft := s.Session.Draft()

	id, err := p.committer.Commit(ctx, *payload, s.Receipt, draft.Confidence)
	if err != nil {
		p.logger.Error("Failed to commit expense", "receipt_id", s.Receipt.ID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	if _, err := s.Session.Confirm(); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.state = Committed{ExpenseID: id, Payload: *payload}
	p.lastErr = nil
	p.warning = nil
	p.mu.Unlock()

	p.logger.Info("Receipt committed", "receipt_id", s.Receipt.ID, "expense_id", id)
	return id, nil
}

// Cancel abandons the receipt from Uploading, Processing or Reviewing:
// in-flight work is stopped, the preview revoked and the stored image
// deleted. Cancelling twice is a no-op.
func (p *Pipeline) Cancel(ctx context.Context) error {
	p.mu.Lock()
	var (
		receipt *upload.Receipt
		session *review.Session
	)
	switch s := p.state.(type) {
	case Uploading:
	case Processing:
		receipt = s.Receipt
	case Reviewing:
		if p.committing {
			p.mu.Unlock()
			return capture.ErrBusy
		}
		receipt, session = s.Receipt, s.Session
	case Cancelled:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return fmt.Errorf("%w: nothing to cancel", ErrInvalidTransition)
	}

	asset := assetOf(p.state)
	p.run++
	p.finishRun()
	p.state = Cancelled{}
	p.lastErr = nil
	p.warning = nil
	p.mu.Unlock()

	if session != nil {
		session.Cancel()
	}
	if asset != nil {
		p.previews.Revoke(asset.Preview)
	}
	p.discard(ctx, receipt)

	p.logger.Info("Receipt cancelled")
	return nil
}

// Restart returns a finished pipeline to Idle.
func (p *Pipeline) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.(type) {
	case Idle, Committed, Cancelled:
		p.state = Idle{}
		p.progress = 0
		p.lastErr = nil
		p.warning = nil
		return nil
	}
	return fmt.Errorf("%w: receipt still in progress", ErrInvalidTransition)
}

// Snapshot is what the presentation layer shows
type Snapshot struct {
	ID              string        `json:"id"`
	Stage           Stage         `json:"stage"`
	Filename        string        `json:"filename,omitempty"`
	Preview         string        `json:"preview,omitempty"`
	ReceiptID       string        `json:"receipt_id,omitempty"`
	Progress        int           `json:"progress"`
	Draft           *review.Draft `json:"draft,omitempty"`
	CanConfirm      bool          `json:"can_confirm"`
	ConfidenceLevel extract.Level `json:"confidence_level,omitempty"`
	RawText         string        `json:"raw_text,omitempty"`
	ExpenseID       string        `json:"expense_id,omitempty"`
	Error           string        `json:"error,omitempty"`
	Warning         string        `json:"warning,omitempty"`

	// Err is the last blocking failure and Warn the last non-blocking one.
	Err  error `json:"-"`
	Warn error `json:"-"`
}

// Snapshot returns the current stage, draft and messages.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		ID:       p.id,
		Stage:    p.state.Stage(),
		Progress: p.progress,
		Err:      p.lastErr,
		Warn:     p.warning,
		Error:    Message(p.lastErr),
		Warning:  Message(p.warning),
	}
	if asset := assetOf(p.state); asset != nil {
		snap.Filename = asset.Filename
		snap.Preview = asset.Preview
	}

	switch s := p.state.(type) {
	case Processing:
		snap.ReceiptID = s.Receipt.ID
	case Reviewing:
		snap.ReceiptID = s.Receipt.ID
		snap.Progress = 100
		d := s.Session.Draft()
		snap.Draft = &d
		snap.CanConfirm = s.Session.CanConfirm()
		if s.Result != nil {
			snap.RawText = s.Result.Text
			snap.ConfidenceLevel = extract.LevelFor(d.Confidence)
		}
	case Committed:
		snap.ExpenseID = s.ExpenseID
		snap.Progress = 100
	}
	return snap
}

// Preview resolves the image behind the current preview handle.
func (p *Pipeline) Preview() ([]byte, string, bool) {
	p.mu.Lock()
	asset := assetOf(p.state)
	p.mu.Unlock()
	if asset == nil {
		return nil, "", false
	}
	return p.previews.Resolve(asset.Preview)
}
