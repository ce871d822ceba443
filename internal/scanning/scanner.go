package scanning

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEngineInit is returned when the OCR engine could not be created.
	// The next call retries initialization.
	ErrEngineInit = errors.New("failed to initialize OCR engine")
	// ErrRecognition wraps every failed recognition, timeouts included.
	ErrRecognition = errors.New("OCR processing failed")
)

// ProgressFunc receives recognition progress as a percentage.
type ProgressFunc func(percent int)

// Result is the raw text recognized from one receipt image
type Result struct {
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"` // 0..1, zero when the engine reports none
	ProcessedAt time.Time `json:"processed_at"`
	Engine      string    `json:"engine"`
}

// Engine defines the interface for text recognition on receipt images
type Engine interface {
	// Recognize reads the text on an image, reporting progress as it goes
	Recognize(ctx context.Context, image []byte, contentType string, progress ProgressFunc) (*Result, error)
	// Close closes the engine and releases resources
	Close() error
}

// EngineFactory creates the engine behind a Handle on first use.
type EngineFactory func(ctx context.Context) (Engine, error)
