package expense

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-capture/internal/review"
	"github.com/zombor/receipt-capture/internal/upload"
)

// IDGenerator generates unique IDs for expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

var maxCents = decimal.NewFromInt(math.MaxInt64)

// Recorder turns confirmed review payloads into stored expenses
type Recorder struct {
	db          DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewRecorder creates a Recorder with default ID generator and time source
func NewRecorder(db DB) *Recorder {
	return NewRecorderWithDeps(db, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewRecorderWithDeps creates a Recorder with custom dependencies for testing
func NewRecorderWithDeps(db DB, idGen IDGenerator, timeSrc TimeSource) *Recorder {
	return &Recorder{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Commit stores the payload as a new expense linked to its receipt image
// and returns the expense ID.
func (r *Recorder) Commit(_ context.Context, payload review.Payload, receipt *upload.Receipt, confidence float64) (string, error) {
	now := r.timeSource.Now()

	date, err := time.Parse("2006-01-02", payload.Date)
	if err != nil {
		return "", fmt.Errorf("parsing date %q: %w", payload.Date, err)
	}

	cents := payload.Amount.Shift(2).Round(0)
	if cents.IsNegative() || cents.GreaterThan(maxCents) {
		return "", fmt.Errorf("amount %s is out of range", payload.Amount)
	}

	expense := &Expense{
		ID:         r.idGenerator.Generate(),
		Merchant:   strings.TrimSpace(payload.Merchant),
		Amount:     cents.IntPart(),
		Currency:   payload.Currency,
		Category:   payload.Category,
		Date:       date,
		Notes:      payload.Notes,
		Confidence: confidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if receipt != nil {
		expense.ReceiptID = receipt.ID
		expense.ReceiptKey = receipt.Key
		expense.Filename = receipt.Filename
		expense.ContentType = receipt.ContentType
	}

	if err := r.db.SaveExpense(expense); err != nil {
		slog.Error("Failed to save expense",
			"merchant", expense.Merchant,
			"receipt_key", expense.ReceiptKey,
			"error", err,
		)
		return "", fmt.Errorf("saving expense: %w", err)
	}

	slog.Info("Expense recorded",
		"id", expense.ID,
		"merchant", expense.Merchant,
		"amount_cents", expense.Amount,
		"currency", expense.Currency,
		"category", expense.Category,
	)
	return expense.ID, nil
}
