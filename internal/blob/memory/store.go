// Package memory stores content blobs in-memory for development and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Store is a content-addressed in-memory blob store. A hash is written at
// most once; later puts with the same hash return the existing key.
type Store struct {
	mu    sync.RWMutex
	data  map[string][]byte
	blobs map[string]core.ContentBlob
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		data:  make(map[string][]byte),
		blobs: make(map[string]core.ContentBlob),
	}
}

// Put stores data under its hash unless the hash already exists.
func (s *Store) Put(_ context.Context, hash, contentType string, data []byte) (string, bool, error) {
	if hash == "" {
		return "", false, fmt.Errorf("hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if blob, ok := s.blobs[hash]; ok {
		return blob.StorageKey, true, nil
	}

	key := "memory://" + hash
	s.data[key] = append([]byte(nil), data...)
	s.blobs[hash] = core.ContentBlob{
		Hash:        hash,
		StorageKey:  key,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	return key, false, nil
}

// Get returns the stored bytes for a key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", key)
	}
	return append([]byte(nil), data...), nil
}

// Stat reports whether a hash exists and its metadata.
func (s *Store) Stat(_ context.Context, hash string) (core.ContentBlob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[hash]
	return blob, ok, nil
}
