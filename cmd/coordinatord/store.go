package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	kvmongo "github.com/DS-codi/project-memory/features/kv/mongo"
	kvpulse "github.com/DS-codi/project-memory/features/kv/pulse"
	kvredis "github.com/DS-codi/project-memory/features/kv/redis"
	"github.com/DS-codi/project-memory/runtime/kv"
	"github.com/DS-codi/project-memory/runtime/kv/inmem"
)

// backend is an opened persistence store with its health dependencies and
// teardown funcs.
type backend struct {
	store   kv.Store
	pingers []health.Pinger
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// pulseMapSuffix is appended to the instance name to form the replicated map
// name.
const pulseMapSuffix = ":sessions"

func openStore(ctx context.Context, cfg config) (*backend, error) {
	b := &backend{}
	switch cfg.Store {
	case storeMemory:
		b.store = inmem.New()
		return b, nil

	case storeRedis, storePulse:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL, Password: cfg.Redis.Password})
		b.closers = append(b.closers, func() {
			if err := rdb.Close(); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "close redis"})
			}
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		rs, err := kvredis.New(rdb)
		if err != nil {
			b.close()
			return nil, err
		}
		b.pingers = append(b.pingers, rs)
		if cfg.Store == storeRedis {
			b.store = rs
			return b, nil
		}
		ps, closeMap, err := kvpulse.Join(ctx, cfg.Name+pulseMapSuffix, rdb)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, closeMap)
		b.store = ps
		return b, nil

	case storeMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		b.closers = append(b.closers, func() {
			if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "disconnect mongo"})
			}
		})
		ms, err := kvmongo.New(kvmongo.Options{
			Client:     client,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			b.close()
			return nil, err
		}
		if err := ms.Ping(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		b.pingers = append(b.pingers, ms)
		b.store = ms
		return b, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}
