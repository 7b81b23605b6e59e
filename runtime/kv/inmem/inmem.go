// Package inmem provides an in-memory implementation of kv.Store.
//
// It is intended for tests and local development. State does not survive
// process restarts.
package inmem

import (
	"context"
	"sync"

	"github.com/DS-codi/project-memory/runtime/kv"
)

// Store is an in-memory kv.Store. Values are copied on read and write.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
	sets   int
}

var _ kv.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return clone(v), nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = clone(value)
	s.sets++
	return nil
}

// Sets returns how many times Set succeeded. Useful for asserting
// write-through behavior in tests.
func (s *Store) Sets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets
}

// Reset clears all stored values.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string][]byte)
	s.sets = 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
