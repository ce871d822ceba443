//go:build tesseract

// Package tesseract provides a local OCR engine backed by libtesseract.
// It needs cgo and libtesseract, so it is only built with -tags tesseract.
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/zombor/receipt-capture/internal/scanning"
)

// Options configure the Tesseract client.
type Options struct {
	Languages []string
	// TessdataPrefix overrides the trained data location when set.
	TessdataPrefix string
}

// Engine implements scanning.Engine with gosseract
type Engine struct {
	client *gosseract.Client
}

// New creates a Tesseract engine configured for receipts
func New(opts Options) (*Engine, error) {
	client := gosseract.NewClient()

	langs := opts.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	if err := client.SetLanguage(langs...); err != nil {
		client.Close()
		return nil, fmt.Errorf("setting OCR language: %w", err)
	}

	if opts.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(opts.TessdataPrefix); err != nil {
			client.Close()
			return nil, fmt.Errorf("setting tessdata prefix: %w", err)
		}
	}

	// a receipt reads as one column of text
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		client.Close()
		return nil, fmt.Errorf("setting page segmentation mode: %w", err)
	}

	return &Engine{client: client}, nil
}

// Recognize runs Tesseract on a cleaned-up copy of the image
func (e *Engine) Recognize(ctx context.Context, image []byte, contentType string, progress scanning.ProgressFunc) (*scanning.Result, error) {
	prepared, err := scanning.PrepareForOCR(image, contentType)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}
	report(progress, 20)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.client.SetImageFromBytes(prepared); err != nil {
		return nil, fmt.Errorf("setting image: %w", err)
	}

	text, err := e.client.Text()
	if err != nil {
		return nil, fmt.Errorf("extracting text: %w", err)
	}
	report(progress, 80)

	var confidence float64
	if boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD); err == nil {
		confidence = meanConfidence(boxes)
	}
	report(progress, 100)

	return &scanning.Result{
		Text:       text,
		Confidence: confidence,
		Engine:     "tesseract",
	}, nil
}

// Close releases the Tesseract client
func (e *Engine) Close() error {
	return e.client.Close()
}

// meanConfidence averages word confidences (0..100) into 0..1
func meanConfidence(boxes []gosseract.BoundingBox) float64 {
	var sum float64
	var n int
	for _, b := range boxes {
		if b.Confidence < 0 {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 100
}

func report(progress scanning.ProgressFunc, percent int) {
	if progress != nil {
		progress(percent)
	}
}
