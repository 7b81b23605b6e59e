// Package mongo provides a kv.Store backed by MongoDB.
//
// Each key is stored as one document {_id, value, updated_at} and replaced
// wholesale on every write.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/DS-codi/project-memory/runtime/kv"
)

const (
	defaultCollection = "coordinator_kv"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "kv-mongo"
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store persists values in a MongoDB collection.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	valueDocument struct {
		Key       string    `bson:"_id"`
		Value     []byte    `bson:"value"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	collection interface {
		FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
		ReplaceOne(ctx context.Context, filter any, replacement any,
			opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	}

	singleResult interface {
		Decode(val any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

var (
	_ kv.Store      = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := opts.Client.Database(opts.Database).Collection(name)
	return newWithCollection(opts.Client, mongoCollection{coll: coll}, opts.Timeout), nil
}

func newWithCollection(client *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: client, coll: coll, timeout: timeout}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc valueDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get %q: %w", key, err)
	}
	return doc.Value, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := valueDocument{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, opts); err != nil {
		return fmt.Errorf("mongodb set %q: %w", key, err)
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return storeName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}
