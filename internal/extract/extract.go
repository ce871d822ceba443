package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-capture/internal/category"
)

const (
	// MaxHeuristicConfidence caps heuristic scores; extraction is never certain.
	MaxHeuristicConfidence = 0.95

	isoDate = "2006-01-02"
)

// LineItem is a best-effort item line read off the receipt.
type LineItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// Fields are the candidate expense fields parsed from OCR text
type Fields struct {
	Merchant   string     `json:"merchant"`
	Amount     string     `json:"amount"`
	Date       string     `json:"date"`
	Category   string     `json:"category"`
	Notes      string     `json:"notes"`
	Items      []LineItem `json:"items,omitempty"`
	Confidence float64    `json:"confidence"`

	// DateFound is false when Date was defaulted to today.
	DateFound bool `json:"date_found"`
}

// Extractor turns raw OCR text into Fields.
type Extractor struct {
	categories *category.Registry
	now        func() time.Time
}

// New creates an Extractor using the given registry for category guesses.
func New(categories *category.Registry) *Extractor {
	return NewWithClock(categories, time.Now)
}

// NewWithClock creates an Extractor with a fixed clock for the date default.
func NewWithClock(categories *category.Registry, now func() time.Time) *Extractor {
	if categories == nil {
		categories = category.Default()
	}
	return &Extractor{categories: categories, now: now}
}

var (
	// "total" at a word start, so SUBTOTAL only matches via the loose pattern
	strictTotalRe = regexp.MustCompile(`(?i)\btotal\b[^\d\n]*(?:\n[^\d\n]*)?(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`)
	looseTotalRe  = regexp.MustCompile(`(?i)total[^\d\n]*(?:\n[^\d\n]*)?(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`)
	dateRe        = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4}|\d{2})\b`)
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	itemRe        = regexp.MustCompile(`^(.*?[A-Za-z].*?)\s+\$?(\d{1,3}(?:,\d{3})*\.\d{2}|\d+\.\d{2})$`)
	nonItemRe     = regexp.MustCompile(`(?i)\b(sub\s*total|subtotal|total|tax|vat|tip|gratuity|change|cash|balance|amount due|visa|mastercard|amex|card)\b`)
)

// Extract parses rawText. It never fails: unresolved fields fall back to
// defaults. source names the uploaded file for the provenance note.
func (e *Extractor) Extract(rawText, source string) Fields {
	text := strings.ReplaceAll(rawText, "\r\n", "\n")

	f := Fields{
		Merchant: merchant(text),
		Amount:   amount(text),
		Items:    lineItems(text),
		Notes:    ProvenanceNote(source),
	}
	f.Date, f.DateFound = date(text)
	if !f.DateFound {
		f.Date = e.now().Format(isoDate)
	}
	f.Category = e.categories.Match(f.Merchant)
	f.Confidence = score(f)
	return f
}

// Empty returns the defaulted Fields used when OCR produced nothing.
func (e *Extractor) Empty(source string) Fields {
	return Fields{
		Date:     e.now().Format(isoDate),
		Category: category.Fallback,
		Notes:    ProvenanceNote(source),
	}
}

// ProvenanceNote is the auto-generated note attached to extracted drafts.
func ProvenanceNote(source string) string {
	if source == "" {
		source = "receipt"
	}
	return "Auto-extracted from receipt: " + source
}

func merchant(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func amount(text string) string {
	m := strictTotalRe.FindStringSubmatch(text)
	if m == nil {
		m = looseTotalRe.FindStringSubmatch(text)
	}
	if m == nil {
		return ""
	}
	return strings.ReplaceAll(m[1], ",", "")
}

func date(text string) (string, bool) {
	for _, m := range dateRe.FindAllStringSubmatch(text, -1) {
		first, _ := strconv.Atoi(m[1])
		second, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
		if d, ok := calendarDate(year, first, second); ok {
			return d, true
		}
		if first > 12 {
			if d, ok := calendarDate(year, second, first); ok {
				return d, true
			}
		}
	}
	for _, m := range isoDateRe.FindAllStringSubmatch(text, -1) {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if d, ok := calendarDate(year, month, day); ok {
			return d, true
		}
	}
	return "", false
}

func calendarDate(year, month, day int) (string, bool) {
	if month < 1 || month > 12 || day < 1 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

func lineItems(text string) []LineItem {
	var items []LineItem
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || nonItemRe.MatchString(line) {
			continue
		}
		m := itemRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		desc := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[1]), ":"))
		if desc == "" {
			continue
		}
		items = append(items, LineItem{
			Description: desc,
			Amount:      strings.ReplaceAll(m[2], ",", ""),
		})
	}
	return items
}

// score grows from 0.5 with each field the heuristics resolved.
func score(f Fields) float64 {
	s := 0.5
	if f.Merchant != "" {
		s += 0.1
	}
	if f.Amount != "" {
		s += 0.15
	}
	if f.DateFound {
		s += 0.1
	}
	if f.Category != category.Fallback {
		s += 0.05
	}
	if len(f.Items) > 0 {
		s += 0.05
	}
	return clamp(s)
}

// BlendConfidence mixes the engine's own confidence into the heuristic score.
// A non-positive engine confidence means the engine reported none.
func BlendConfidence(ocr, heuristic float64) float64 {
	if ocr <= 0 {
		return clamp(heuristic)
	}
	return clamp(0.7*ocr + 0.3*heuristic)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > MaxHeuristicConfidence:
		return MaxHeuristicConfidence
	}
	return v
}

// Level buckets a confidence score for display.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// LevelFor returns the display bucket for a confidence in [0,1].
func LevelFor(confidence float64) Level {
	switch {
	case confidence >= 0.8:
		return LevelHigh
	case confidence >= 0.6:
		return LevelMedium
	default:
		return LevelLow
	}
}
