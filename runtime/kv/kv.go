// Package kv defines the key-value persistence contract injected into the
// session lifecycle registry.
//
// Available implementations:
//
//   - runtime/kv/inmem: in-memory store for tests and local tooling
//   - features/kv/redis: Redis GET/SET
//   - features/kv/pulse: Pulse replicated map shared by every node
//   - features/kv/mongo: one MongoDB document per key
//
// To add a new implementation, create a package that implements Store and
// returns ErrNotFound for missing keys.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("key not found")

// Store persists opaque values under string keys. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
}
