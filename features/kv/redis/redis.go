// Package redis provides a kv.Store backed by Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/DS-codi/project-memory/runtime/kv"
)

type (
	// Client is the subset of the go-redis API used by the store. It is
	// satisfied by *redis.Client and *redis.ClusterClient.
	Client interface {
		Get(ctx context.Context, key string) *redis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
		Ping(ctx context.Context) *redis.StatusCmd
	}

	// Store persists values as Redis strings under a key prefix.
	Store struct {
		client Client
		prefix string
		ttl    time.Duration
	}

	// Option configures a Store.
	Option func(*Store)
)

const defaultPrefix = "coord:"

var (
	_ kv.Store      = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// WithPrefix overrides the prefix prepended to every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL sets an expiration on every write. Zero keeps values forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// New returns a store using client.
func New(client Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return b, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return "redis"
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
