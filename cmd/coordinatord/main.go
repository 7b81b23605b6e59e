// Command coordinatord hosts the spawn lane and session lifecycle registries
// for a single orchestrator process.
//
// It restores persisted session state at startup, prunes finished sessions on
// a timer and serves health and status endpoints.
//
// # Configuration
//
// Environment variables (override values from the COORD_CONFIG YAML file):
//
//	COORD_CONFIG    - Optional YAML configuration file
//	COORD_NAME      - Instance name, used as the Pulse map name (default: "coordinator")
//	COORD_STORE     - Persistence backend: memory, redis, pulse or mongo (default: "memory")
//	COORD_STORE_KEY - Key holding the session registry document
//	REDIS_URL       - Redis address for the redis and pulse stores (default: "localhost:6379")
//	REDIS_PASSWORD  - Redis password (optional)
//	MONGO_URI       - MongoDB URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE  - MongoDB database (default: "coordinator")
//	HEALTH_ADDR     - Health and status listen address, empty disables (default: ":8081")
//	PRUNE_INTERVAL  - How often finished sessions are pruned (default: "5m")
//	PRUNE_MAX_AGE   - Age after which finished sessions are pruned (default: "1h")
//	STALE_AFTER     - Spawn lane staleness threshold (default: "10m")
//	DEBUG           - Enable debug logs
//
// # Example
//
//	COORD_STORE=redis REDIS_URL=localhost:6379 go run ./cmd/coordinatord
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/DS-codi/project-memory/runtime/coordinator"
	"github.com/DS-codi/project-memory/runtime/lifecycle"
	"github.com/DS-codi/project-memory/runtime/spawn"
	"github.com/DS-codi/project-memory/runtime/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "name", V: cfg.Name}, log.KV{K: "store", V: cfg.Store})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	lanes := spawn.New(ctx,
		spawn.WithLogger(logger),
		spawn.WithMetrics(metrics),
		spawn.WithStaleAfter(cfg.StaleAfter))
	defer lanes.Dispose()

	sessionOpts := []lifecycle.Option{lifecycle.WithLogger(logger), lifecycle.WithMetrics(metrics)}
	if cfg.StoreKey != "" {
		sessionOpts = append(sessionOpts, lifecycle.WithStoreKey(cfg.StoreKey))
	}
	sessions := lifecycle.New(ctx, backend.store, sessionOpts...)
	if err := sessions.Restore(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "restore failed, starting with an empty session registry"})
	}

	coord := coordinator.New(lanes, sessions,
		coordinator.WithLogger(logger),
		coordinator.WithTracer(telemetry.NewClueTracer()))

	sub := sessions.OnDidChange(func() {
		log.Debug(ctx, log.KV{K: "msg", V: "session registry changed"},
			log.KV{K: "active", V: len(sessions.ListActive())},
			log.KV{K: "lanes", V: lanes.Len()})
	})
	defer func() { _ = sub.Close() }()

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-c:
			errc <- fmt.Errorf("%s", s)
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runJanitor(ctx, coord, cfg.PruneInterval, cfg.PruneMaxAge)
	}()

	var srv *http.Server
	if cfg.HealthAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           newMux(backend.pingers, lanes, sessions),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf(ctx, "health server listening on %s", cfg.HealthAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, err, log.KV{K: "msg", V: "health server shutdown"})
		}
	}
	if err := sessions.Flush(shutdownCtx); err != nil {
		log.Error(shutdownCtx, err, log.KV{K: "msg", V: "flush session registry"})
	}
	sessions.Dispose()
	log.Printf(shutdownCtx, "exited")
	return nil
}
