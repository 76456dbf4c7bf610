package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-process BlobStore for tests and local runs without a
// bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, mimeType string) error {
	buf := append([]byte(nil), data...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: buf, MimeType: mimeType}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Object{Data: append([]byte(nil), obj.Data...), MimeType: obj.MimeType}, nil
}
