package expense

import (
	"time"

	"github.com/shopspring/decimal"
)

// Expense is a committed expense created from a reviewed receipt
type Expense struct {
	ID          string    `json:"id"`
	Merchant    string    `json:"merchant"`
	Amount      int64     `json:"amount"` // Amount in cents
	Currency    string    `json:"currency"`
	Category    string    `json:"category"`
	Date        time.Time `json:"date"`
	Notes       string    `json:"notes"`
	ReceiptID   string    `json:"receipt_id,omitempty"`
	ReceiptKey  string    `json:"receipt_key,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Decimal returns the amount in major units
func (e *Expense) Decimal() decimal.Decimal {
	return decimal.New(e.Amount, -2)
}
