// Package pulse provides a kv.Store backed by a Pulse replicated map.
//
// Values live in a Redis-backed rmap so every coordinator node sharing the map
// name reads the same persisted session registry. The map caches content
// locally which makes Get served from memory after Join.
package pulse

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/DS-codi/project-memory/runtime/kv"
)

type (
	// Map is the minimal replicated-map contract required by the store.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`. Tests use
	// an in-memory fake.
	Map interface {
		Get(key string) (string, bool)
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Store persists values in a replicated map. It is safe for concurrent use
	// when backed by a concurrent-safe map.
	Store struct {
		m      Map
		prefix string
	}

	// Option configures a Store.
	Option func(*Store)
)

const defaultPrefix = "coord:"

var _ kv.Store = (*Store)(nil)

// WithPrefix overrides the prefix prepended to every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a store backed by the given map.
func New(m Map, opts ...Option) *Store {
	s := &Store{m: m, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Join joins (or creates) the replicated map called name and returns a store
// over it with the map's Close func. The caller must call close when done.
func Join(ctx context.Context, name string, rdb *redis.Client, opts ...Option) (*Store, func(), error) {
	m, err := rmap.Join(ctx, name, rdb)
	if err != nil {
		return nil, nil, fmt.Errorf("join replicated map %q: %w", name, err)
	}
	return New(m, opts...), m.Close, nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.m.Get(s.prefix + key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return []byte(v), nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.m.Set(ctx, s.prefix+key, string(value)); err != nil {
		return fmt.Errorf("store %q: %w", key, err)
	}
	return nil
}
