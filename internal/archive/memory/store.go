// Package memory stores archived page bodies in-memory for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"sync"
)

// Store keeps blobs in a map and hands out pseudo URIs.
type Store struct {
	prefix string

	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory blob store. prefix may be empty.
func New(prefix string) *Store {
	return &Store{prefix: prefix, data: make(map[string][]byte)}
}

// Put persists the content and returns a memory:// URI.
func (s *Store) Put(_ context.Context, p, _ string, data []byte) (string, error) {
	key := path.Join(s.prefix, p)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns a stored blob, or false when the key is unknown.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports how many blobs are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
