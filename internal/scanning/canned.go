package scanning

import (
	"context"
	"hash/fnv"
	"time"
)

// sampleReceipts are the demo receipts the Canned engine answers with.
var sampleReceipts = []string{
	"STARBUCKS COFFEE\n123 Main St\nGrande Latte    $5.25\nBlueberry Muffin $3.50\nTax             $1.00\nTotal          $12.75\n01/15/2024 10:30 AM",
	"SHELL\n456 Highway Blvd\nUnleaded Gas\nGallons: 12.5\nPrice/Gal: $3.616\nTotal: $45.20\n01/14/2024 2:15 PM",
	"HILTON HOTEL\n789 Downtown Ave\nRoom Rate      $159.99\nResort Fee      $30.00\nTotal          $189.99\n01/13/2024 - 01/14/2024",
}

// Canned is a demo Engine that answers with a sample receipt picked from
// the image bytes, so the same photo always reads the same way.
type Canned struct {
	delay time.Duration
}

// NewCanned creates a Canned engine that spends delay per recognition.
func NewCanned(delay time.Duration) *Canned {
	return &Canned{delay: delay}
}

const cannedSteps = 4

// Recognize returns the sample receipt for image
func (c *Canned) Recognize(ctx context.Context, image []byte, _ string, progress ProgressFunc) (*Result, error) {
	h := fnv.New32a()
	h.Write(image)
	sum := h.Sum32()

	step := c.delay / cannedSteps
	for i := 1; i <= cannedSteps; i++ {
		if step > 0 {
			timer := time.NewTimer(step)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(progress, i*100/cannedSteps)
	}

	return &Result{
		Text:       sampleReceipts[sum%uint32(len(sampleReceipts))],
		Confidence: 0.85 + float64(sum%100)/1000,
		Engine:     "canned",
	}, nil
}

// Close is a no-op
func (c *Canned) Close() error {
	return nil
}
