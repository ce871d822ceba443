package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/fault"
)

// ErrUploadFailed wraps every transfer failure.
var ErrUploadFailed = errors.New("upload failed")

// Receipt is the opaque handle for an uploaded receipt image.
type Receipt struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// IDGenerator generates unique IDs for uploads
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Options tune a Transport.
type Options struct {
	// Latency delays each upload, mimicking a network transfer.
	Latency time.Duration
	// Fault forces failures when it returns true.
	Fault fault.Predicate
	// IDGenerator and TimeSource default to UUIDs and the system clock.
	IDGenerator IDGenerator
	TimeSource  TimeSource
	Logger      *slog.Logger
}

// Transport moves accepted images into Storage.
type Transport struct {
	storage     Storage
	latency     time.Duration
	fault       fault.Predicate
	idGenerator IDGenerator
	timeSource  TimeSource
	logger      *slog.Logger
}

// NewTransport creates a Transport on top of storage.
func NewTransport(storage Storage, opts Options) *Transport {
	t := &Transport{
		storage:     storage,
		latency:     opts.Latency,
		fault:       opts.Fault,
		idGenerator: opts.IDGenerator,
		timeSource:  opts.TimeSource,
		logger:      opts.Logger,
	}
	if t.idGenerator == nil {
		t.idGenerator = uuidGenerator{}
	}
	if t.timeSource == nil {
		t.timeSource = systemClock{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Upload stores the asset and returns a fresh handle. Nothing is kept when
// it fails, so retrying is always safe.
func (t *Transport) Upload(ctx context.Context, asset *capture.Asset) (*Receipt, error) {
	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrUploadFailed, ctx.Err())
		case <-timer.C:
		}
	}
	if fault.Check(t.fault) {
		return nil, fmt.Errorf("%w: simulated transfer error", ErrUploadFailed)
	}

	id := t.idGenerator.Generate()
	key := fmt.Sprintf("%s_%s", id, SanitizeFilename(asset.Filename))
	if err := t.storage.Save(ctx, key, asset.Data, asset.ContentType); err != nil {
		t.logger.Error("Failed to store receipt image",
			"filename", asset.Filename,
			"key", key,
			"file_size", asset.Size,
			"error", err,
		)
		// a write cut short by cancellation may have left a partial object
		if delErr := t.storage.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			t.logger.Debug("No partial upload to remove", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("%w: saving file: %w", ErrUploadFailed, err)
	}

	return &Receipt{
		ID:          id,
		Key:         key,
		Filename:    asset.Filename,
		ContentType: asset.ContentType,
		Size:        asset.Size,
		UploadedAt:  t.timeSource.Now(),
	}, nil
}

// Discard deletes an uploaded image that will not be committed.
func (t *Transport) Discard(ctx context.Context, r *Receipt) error {
	if r == nil {
		return nil
	}
	if err := t.storage.Delete(ctx, r.Key); err != nil {
		return fmt.Errorf("discarding upload %s: %w", r.ID, err)
	}
	return nil
}

// Open returns the stored bytes for key.
func (t *Transport) Open(ctx context.Context, key string) ([]byte, error) {
	return t.storage.Get(ctx, key)
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// SanitizeFilename cleans up a filename by removing special characters and
// truncating long phone-generated names.
func SanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeChars.ReplaceAllString(base, "")
	base = spaceRuns.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_ ")

	const maxLen = 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "receipt"
	}

	return base + ext
}
