package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-capture/internal/category"
	"github.com/zombor/receipt-capture/internal/extract"
)

// DefaultCurrency is used until the reviewer picks another one. OCR never
// infers currency.
const DefaultCurrency = "USD"

// SupportedCurrencies are offered by the currency selector.
var SupportedCurrencies = []string{"USD", "EUR", "GBP", "JPY", "CAD", "AUD"}

var (
	ErrIncompleteDraft = errors.New("merchant and amount are required")
	ErrSessionClosed   = errors.New("review session is closed")
	ErrUnknownField    = errors.New("unknown field")
	ErrInvalidValue    = errors.New("invalid value")
)

// Field names accepted by EditField.
const (
	FieldMerchant = "merchant"
	FieldAmount   = "amount"
	FieldCurrency = "currency"
	FieldCategory = "category"
	FieldDate     = "date"
	FieldNotes    = "notes"
)

const isoDate = "2006-01-02"

// Draft is the editable candidate expense
type Draft struct {
	Merchant   string             `json:"merchant"`
	Amount     string             `json:"amount"`
	Currency   string             `json:"currency"`
	Category   string             `json:"category"`
	Date       string             `json:"date"`
	Notes      string             `json:"notes"`
	Items      []extract.LineItem `json:"items,omitempty"`
	Confidence float64            `json:"confidence"`
	Confirmed  bool               `json:"confirmed"`
}

// Payload is a confirmed draft, ready for the expense store
type Payload struct {
	Merchant string          `json:"merchant" validate:"required,max=200"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required,iso4217"`
	Category string          `json:"category" validate:"required"`
	Date     string          `json:"date" validate:"required,datetime=2006-01-02"`
	Notes    string          `json:"notes" validate:"max=2000"`
}

// MarshalJSON writes the amount as a JSON number
func (p Payload) MarshalJSON() ([]byte, error) {
	type alias Payload
	return json.Marshal(struct {
		alias
		Amount json.Number `json:"amount"`
	}{alias(p), json.Number(p.Amount.StringFixed(2))})
}

// Options configure a new Session.
type Options struct {
	Currency   string
	Categories *category.Registry
	// Source names the receipt file for the provenance note of empty drafts.
	Source string
	// Release is called exactly once when the session ends.
	Release func()
	Now     func() time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Session holds one draft under review
type Session struct {
	mu         sync.Mutex
	draft      Draft
	categories *category.Registry
	closed     bool
	release    func()
	once       sync.Once
}

// Start opens a session on the extracted fields. With nil fields the draft
// starts empty so everything can be entered by hand.
func Start(fields *extract.Fields, opts Options) *Session {
	if opts.Categories == nil {
		opts.Categories = category.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	d := Draft{
		Currency: currency,
		Category: category.Fallback,
		Date:     opts.Now().Format(isoDate),
		Notes:    extract.ProvenanceNote(opts.Source),
	}
	if fields != nil {
		d.Merchant = fields.Merchant
		d.Amount = fields.Amount
		if opts.Categories.Valid(fields.Category) {
			d.Category = fields.Category
		}
		if _, err := time.Parse(isoDate, fields.Date); err == nil {
			d.Date = fields.Date
		}
		if fields.Notes != "" {
			d.Notes = fields.Notes
		}
		d.Items = append([]extract.LineItem(nil), fields.Items...)
		d.Confidence = fields.Confidence
	}

	return &Session{
		draft:      d,
		categories: opts.Categories,
		release:    opts.Release,
	}
}

// Draft returns a copy of the current draft
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.draft
	d.Items = append([]extract.LineItem(nil), s.draft.Items...)
	return d
}

// Closed reports whether the session was confirmed or cancelled
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EditField updates exactly one field after checking its type.
func (s *Session) EditField(name, value string) error {
	return s.EditFields(map[string]string{name: value})
}

// EditFields checks every field first and applies them together, so a bad
// value leaves the draft untouched.
func (s *Session) EditFields(fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	d := s.draft
	for name, value := range fields {
		if err := s.setField(&d, name, value); err != nil {
			return err
		}
	}
	s.draft = d
	return nil
}

func (s *Session) setField(d *Draft, name, value string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FieldMerchant:
		d.Merchant = strings.TrimSpace(value)
	case FieldAmount:
		amount, err := normalizeAmount(value)
		if err != nil {
			return err
		}
		d.Amount = amount
	case FieldCurrency:
		code := strings.ToUpper(strings.TrimSpace(value))
		if err := validate.Var(code, "required,iso4217"); err != nil {
			return fmt.Errorf("%w: currency %q", ErrInvalidValue, value)
		}
		d.Currency = code
	case FieldCategory:
		id := strings.ToLower(strings.TrimSpace(value))
		if !s.categories.Valid(id) {
			return fmt.Errorf("%w: category %q", ErrInvalidValue, value)
		}
		d.Category = id
	case FieldDate:
		t, err := time.Parse(isoDate, strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidValue, value)
		}
		d.Date = t.Format(isoDate)
	case FieldNotes:
		d.Notes = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	return nil
}

// normalizeAmount accepts a non-negative decimal, tolerating a leading
// currency symbol and thousands separators. Empty clears the amount.
func normalizeAmount(value string) (string, error) {
	v := strings.TrimSpace(value)
	v = strings.TrimLeft(v, "$€£¥")
	v = strings.ReplaceAll(strings.TrimSpace(v), ",", "")
	if v == "" {
		return "", nil
	}
	if strings.ContainsAny(v, "eE") {
		return "", fmt.Errorf("%w: amount %q is not a number", ErrInvalidValue, value)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return "", fmt.Errorf("%w: amount %q is not a number", ErrInvalidValue, value)
	}
	if err := checkAmount(d); err != nil {
		return "", err
	}
	return v, nil
}

// MaxAmount is the largest amount whose cents fit in an int64.
var MaxAmount = decimal.New(math.MaxInt64, -2)

func checkAmount(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidValue)
	}
	if d.Round(2).GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount must not exceed %s", ErrInvalidValue, MaxAmount.StringFixed(2))
	}
	return nil
}

// CanConfirm reports whether merchant and amount are both filled in
func (s *Session) CanConfirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canConfirm()
}

func (s *Session) canConfirm() bool {
	return strings.TrimSpace(s.draft.Merchant) != "" && strings.TrimSpace(s.draft.Amount) != ""
}

// Payload validates the draft and returns what Confirm would hand off,
// leaving the session open.
func (s *Session) Payload() (*Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.payload()
}

func (s *Session) payload() (*Payload, error) {
	if !s.canConfirm() {
		return nil, ErrIncompleteDraft
	}
	amount, err := decimal.NewFromString(s.draft.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidValue, s.draft.Amount)
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	p := &Payload{
		Merchant: s.draft.Merchant,
		Amount:   amount,
		Currency: s.draft.Currency,
		Category: s.draft.Category,
		Date:     s.draft.Date,
		Notes:    s.draft.Notes,
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return p, nil
}

// Confirm finalizes the draft and ends the session.
func (s *Session) Confirm() (*Payload, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	p, err := s.payload()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.draft.Confirmed = true
	s.closed = true
	s.mu.Unlock()

	s.releaseOnce()
	return p, nil
}

// Cancel discards the draft. Cancelling twice, or after Confirm, is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.releaseOnce()
}

func (s *Session) releaseOnce() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
