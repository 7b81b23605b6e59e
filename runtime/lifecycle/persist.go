package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DS-codi/project-memory/runtime/kv"
	"github.com/DS-codi/project-memory/runtime/telemetry"
)

const (
	// DocumentVersion is the schema version of the persisted document.
	DocumentVersion = 1
	// DefaultStoreKey is the single key holding the serialized registry.
	DefaultStoreKey = "project-memory/subagent-sessions"

	defaultWriteTimeout  = 5 * time.Second
	defaultWriteRetries  = 3
	defaultRetryInterval = 250 * time.Millisecond
)

// ErrUnsupportedVersion is returned by Restore when the stored document has a
// schema version this package does not understand.
var ErrUnsupportedVersion = errors.New("unsupported session registry document version")

type (
	// document is the persisted form of the registry.
	document struct {
		Version  int              `json:"version"`
		Sessions map[string]Entry `json:"sessions"`
	}

	// writer hands snapshots to the store from a single goroutine. Snapshots
	// coalesce: only the latest pending one is written.
	writer struct {
		store   kv.Store
		key     string
		ctx     context.Context
		timeout time.Duration
		retries int
		limiter *rate.Limiter
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu         sync.Mutex
		pending    []byte
		hasPending bool

		wake     chan struct{}
		flush    chan chan struct{}
		stop     chan struct{}
		done     chan struct{}
		stopOnce sync.Once
	}
)

func encodeDocument(entries map[Key]*Entry) ([]byte, error) {
	doc := document{Version: DocumentVersion, Sessions: make(map[string]Entry, len(entries))}
	for k, e := range entries {
		doc.Sessions[k.String()] = e.clone()
	}
	return json.Marshal(doc)
}

func decodeDocument(raw []byte) (map[string]Entry, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode session registry: %w", err)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	return doc.Sessions, nil
}

func newWriter(ctx context.Context, store kv.Store, key string, timeout time.Duration, retries int, logger telemetry.Logger, metrics telemetry.Metrics) *writer {
	w := &writer{
		store:   store,
		key:     key,
		ctx:     ctx,
		timeout: timeout,
		retries: retries,
		limiter: rate.NewLimiter(rate.Every(defaultRetryInterval), 1),
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		flush:   make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// schedule records b as the latest snapshot and wakes the writer. It never
// blocks.
func (w *writer) schedule(b []byte) {
	w.mu.Lock()
	w.pending = b
	w.hasPending = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			w.drain()
			return
		case <-w.ctx.Done():
			w.drain()
			return
		case <-w.wake:
			w.drain()
		case ack := <-w.flush:
			w.drain()
			close(ack)
		}
	}
}

func (w *writer) take() ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasPending {
		return nil, false
	}
	b := w.pending
	w.pending = nil
	w.hasPending = false
	return b, true
}

func (w *writer) superseded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasPending
}

func (w *writer) drain() {
	b, ok := w.take()
	if !ok {
		return
	}
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			if w.superseded() {
				// A newer snapshot replaces this one.
				return
			}
			if werr := w.limiter.Wait(w.ctx); werr != nil {
				break
			}
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.timeout)
		err = w.store.Set(ctx, w.key, b)
		cancel()
		if err == nil {
			w.metrics.IncCounter("lifecycle.persist.written", 1)
			return
		}
	}
	w.logger.Warn(w.ctx, "session registry persist failed; keeping in-memory state",
		"key", w.key,
		"err", err)
	w.metrics.IncCounter("lifecycle.persist.failed", 1)
}

// Flush waits until every snapshot scheduled before the call was handed to
// the store.
func (w *writer) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.flush <- ack:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close writes any pending snapshot and stops the writer. It is idempotent.
func (w *writer) close() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
