package capture

import (
	"sync"

	"github.com/google/uuid"
)

type preview struct {
	data        []byte
	contentType string
}

// PreviewStore hands out local display handles for accepted images.
// A revoked handle never resolves again.
type PreviewStore struct {
	mu       sync.RWMutex
	previews map[string]preview
}

// NewPreviewStore creates an empty PreviewStore.
func NewPreviewStore() *PreviewStore {
	return &PreviewStore{previews: make(map[string]preview)}
}

// Create registers data and returns its handle.
func (s *PreviewStore) Create(data []byte, contentType string) string {
	handle := "preview:" + uuid.NewString()
	s.mu.Lock()
	s.previews[handle] = preview{data: data, contentType: contentType}
	s.mu.Unlock()
	return handle
}

// Resolve returns the image behind handle.
func (s *PreviewStore) Resolve(handle string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.previews[handle]
	return p.data, p.contentType, ok
}

// Revoke releases handle. Revoking an unknown handle is a no-op.
func (s *PreviewStore) Revoke(handle string) {
	s.mu.Lock()
	delete(s.previews, handle)
	s.mu.Unlock()
}

// Len returns the number of live previews.
func (s *PreviewStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.previews)
}
