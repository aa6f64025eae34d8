package imagesrc

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// BlobScheme prefixes references to uploaded files held in memory.
const BlobScheme = "blob:"

// BlobStore keeps uploaded files addressable by a local reference until they
// are released.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]File
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]File)}
}

func (s *BlobStore) Put(f File) string {
	ref := BlobScheme + uuid.NewString()

	s.mu.Lock()
	s.blobs[ref] = f
	s.mu.Unlock()

	return ref
}

func (s *BlobStore) Get(ref string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.blobs[ref]
	if !ok {
		return File{}, ErrBlobNotFound
	}
	return f, nil
}

// Delete releases ref. Unknown references are ignored.
func (s *BlobStore) Delete(ref string) {
	s.mu.Lock()
	delete(s.blobs, ref)
	s.mu.Unlock()
}

func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func IsBlobRef(ref string) bool {
	return strings.HasPrefix(ref, BlobScheme)
}
