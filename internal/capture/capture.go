package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// DefaultMaxSize is the largest accepted image, in bytes.
const DefaultMaxSize = 10 << 20

var (
	ErrInvalidFileType = errors.New("file is not an image")
	ErrNoImageFile     = errors.New("no image file in selection")
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrEmptyFile       = errors.New("file is empty")
	ErrDisabled        = errors.New("intake is disabled")
	ErrBusy            = errors.New("another receipt is already being processed")
)

// Surface identifies where an image came from.
type Surface string

const (
	SurfacePicker Surface = "picker"
	SurfaceCamera Surface = "camera"
	SurfaceDrop   Surface = "drop"
)

// ParseSurface maps a client-supplied name onto a Surface, defaulting to the picker.
func ParseSurface(s string) Surface {
	switch Surface(strings.ToLower(strings.TrimSpace(s))) {
	case SurfaceCamera:
		return SurfaceCamera
	case SurfaceDrop:
		return SurfaceDrop
	default:
		return SurfacePicker
	}
}

// Source is a raw user-supplied file.
type Source struct {
	Filename    string
	ContentType string
	Data        []byte
	Surface     Surface
}

// Asset is a validated receipt image ready for upload.
type Asset struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Surface     Surface
	Data        []byte
	Preview     string
}

// Acquirer validates incoming images and allocates their previews.
type Acquirer struct {
	previews *PreviewStore
	maxSize  int64
	disabled atomic.Bool
	busy     atomic.Bool
	logger   *slog.Logger
}

// NewAcquirer creates an Acquirer. A non-positive maxSize uses DefaultMaxSize.
func NewAcquirer(previews *PreviewStore, maxSize int64, logger *slog.Logger) *Acquirer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{previews: previews, maxSize: maxSize, logger: logger}
}

// MaxSize returns the configured size limit.
func (a *Acquirer) MaxSize() int64 {
	return a.maxSize
}

// SetDisabled turns intake off or on.
func (a *Acquirer) SetDisabled(disabled bool) {
	a.disabled.Store(disabled)
}

// Accept validates src and, while holding the intake guard, passes the new
// Asset to handoff. The preview is revoked when handoff fails; on success
// the caller owns it.
func (a *Acquirer) Accept(src Source, handoff func(*Asset) error) error {
	if a.disabled.Load() {
		return ErrDisabled
	}
	if !a.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer a.busy.Store(false)

	asset, err := a.validate(src)
	if err != nil {
		a.logger.Info("Rejected receipt image",
			"filename", src.Filename,
			"content_type", src.ContentType,
			"size", len(src.Data),
			"surface", src.Surface,
			"error", err,
		)
		return err
	}

	asset.Preview = a.previews.Create(asset.Data, asset.ContentType)
	if err := handoff(asset); err != nil {
		a.previews.Revoke(asset.Preview)
		return err
	}
	return nil
}

// AcceptDrop handles a multi-file drop: non-images are filtered out and the
// first remaining image is accepted.
func (a *Acquirer) AcceptDrop(files []Source, handoff func(*Asset) error) error {
	for _, f := range files {
		if isImage(resolveContentType(f)) {
			f.Surface = SurfaceDrop
			return a.Accept(f, handoff)
		}
	}
	return ErrNoImageFile
}

func (a *Acquirer) validate(src Source) (*Asset, error) {
	contentType := resolveContentType(src)
	if !isImage(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFileType, contentType)
	}
	size := int64(len(src.Data))
	if size == 0 {
		return nil, ErrEmptyFile
	}
	if size > a.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, size, a.maxSize)
	}
	surface := src.Surface
	if surface == "" {
		surface = SurfacePicker
	}
	return &Asset{
		ID:          uuid.NewString(),
		Filename:    src.Filename,
		ContentType: contentType,
		Size:        size,
		Surface:     surface,
		Data:        src.Data,
	}, nil
}

func isImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// resolveContentType normalizes the declared type, sniffing the bytes and
// then the extension only when none was supplied. A declared type is final.
func resolveContentType(src Source) string {
	contentType := strings.ToLower(strings.TrimSpace(src.ContentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType != "" {
		return contentType
	}
	if len(src.Data) > 0 {
		if detected := mimetype.Detect(src.Data); isImage(detected.String()) {
			return detected.String()
		}
	}
	switch strings.ToLower(filepath.Ext(src.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}
