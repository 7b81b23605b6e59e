// Package lifecycle implements the session lifecycle registry: the state
// machine of every agent sub-session keyed by (workspace, plan, session).
//
// Sessions move active → stopping → completed, with stopped as an alternate
// terminal status for teardown without a normal completion. The registry
// carries per-session interrupt directives (escalation levels 1–3), an inject
// queue for guidance messages and the last tool-call fingerprint used by
// watchdogs.
//
// Every mutation is written through to an injected kv.Store from a background
// goroutine; a failed write is logged and the in-memory state stays
// authoritative. Restore is the only read path and is expected to run once at
// process start. Listeners registered with OnDidChange are called after every
// mutation and re-query the registry for state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DS-codi/project-memory/runtime/kv"
	"github.com/DS-codi/project-memory/runtime/notify"
	"github.com/DS-codi/project-memory/runtime/telemetry"
)

const (
	// DefaultPruneMaxAge is the PruneCompleted age used when none is given.
	DefaultPruneMaxAge = time.Hour
	// DefaultRestoreMaxAge drops entries older than this during Restore.
	DefaultRestoreMaxAge = 24 * time.Hour
)

type (
	// Registry tracks sub-session lifecycle state. It is safe for concurrent
	// use; every operation runs under a single mutex.
	Registry struct {
		mu      sync.Mutex
		entries map[Key]*Entry

		ctx           context.Context
		now           func() time.Time
		store         kv.Store
		storeKey      string
		writeTimeout  time.Duration
		writeRetries  int
		restoreMaxAge time.Duration
		logger        telemetry.Logger
		metrics       telemetry.Metrics

		writer      *writer
		bus         *notify.Bus
		disposeOnce sync.Once
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStoreKey overrides DefaultStoreKey.
func WithStoreKey(key string) Option {
	return func(r *Registry) {
		if key != "" {
			r.storeKey = key
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithWriteRetries sets how many times a failed write is retried before the
// snapshot is dropped.
func WithWriteRetries(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.writeRetries = n
		}
	}
}

// WithRestoreMaxAge overrides DefaultRestoreMaxAge.
func WithRestoreMaxAge(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.restoreMaxAge = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New returns an empty Registry persisting to store. A nil store disables
// persistence. ctx bounds the background writer and carries the logger
// context; call Dispose to stop the writer.
func New(ctx context.Context, store kv.Store, opts ...Option) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Registry{
		entries:       make(map[Key]*Entry),
		ctx:           ctx,
		now:           time.Now,
		store:         store,
		storeKey:      DefaultStoreKey,
		writeTimeout:  defaultWriteTimeout,
		writeRetries:  defaultWriteRetries,
		restoreMaxAge: DefaultRestoreMaxAge,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		bus:           notify.NewBus(),
	}
	for _, o := range opts {
		o(r)
	}
	if store != nil {
		r.writer = newWriter(ctx, store, r.storeKey, r.writeTimeout, r.writeRetries, r.logger, r.metrics)
	}
	return r
}

// Register creates an active entry for a new sub-session, replacing any
// entry with the same key. A zero StartedAt defaults to now.
func (r *Registry) Register(in RegisterInput) (Entry, error) {
	if in.SessionID == "" {
		return Entry{}, errors.New("session id is required")
	}
	startedAt := in.StartedAt
	r.mu.Lock()
	if startedAt.IsZero() {
		startedAt = r.now()
	}
	e := &Entry{
		SessionID:       in.SessionID,
		WorkspaceID:     in.WorkspaceID,
		PlanID:          in.PlanID,
		AgentType:       in.AgentType,
		ParentSessionID: in.ParentSessionID,
		StartedAt:       startedAt,
		Status:          StatusActive,
		InjectQueue:     []InjectMessage{},
	}
	r.entries[e.Key()] = e
	out := e.clone()
	r.commitLocked()
	return out, nil
}

// Get returns a copy of the entry.
func (r *Registry) Get(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// GetBySessionID scans every lane for the session id. When several lanes hold
// the same id the first by key order wins.
func (r *Registry) GetBySessionID(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.sortedKeysLocked() {
		if k.SessionID == sessionID {
			return r.entries[k].clone(), true
		}
	}
	return Entry{}, false
}

// GetByPlan returns every entry of the plan ordered by start time.
func (r *Registry) GetByPlan(workspaceID, planID string) []Entry {
	return r.collect(func(e *Entry) bool {
		return e.WorkspaceID == workspaceID && e.PlanID == planID
	})
}

// ListActive returns every active or stopping entry ordered by start time.
func (r *Registry) ListActive() []Entry {
	return r.collect(func(e *Entry) bool { return e.Status.Live() })
}

// List returns every entry ordered by start time.
func (r *Registry) List() []Entry {
	return r.collect(func(*Entry) bool { return true })
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// QueueInterrupt asks an active session to stop: the status becomes stopping
// and a level-1 directive is installed. It returns false without mutating
// when the session is unknown or not active.
func (r *Registry) QueueInterrupt(key Key, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.Status != StatusActive {
		r.mu.Unlock()
		return false
	}
	e.Status = StatusStopping
	e.InterruptDirective = &InterruptDirective{
		RequestedAt:     r.now(),
		EscalationLevel: EscalationGraceful,
		Reason:          reason,
	}
	r.commitLocked()
	return true
}

// DequeueInterrupt returns and clears the pending directive.
func (r *Registry) DequeueInterrupt(key Key) (InterruptDirective, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.InterruptDirective == nil {
		r.mu.Unlock()
		return InterruptDirective{}, false
	}
	d := *e.InterruptDirective
	e.InterruptDirective = nil
	r.commitLocked()
	return d, true
}

// IncrementEscalation raises the pending directive's level by one, capped at
// MaxEscalationLevel, and returns the resulting level. It returns false when
// the session is unknown or has no pending directive.
func (r *Registry) IncrementEscalation(key Key) (int, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.InterruptDirective == nil {
		r.mu.Unlock()
		return 0, false
	}
	d := e.InterruptDirective
	if d.EscalationLevel >= MaxEscalationLevel {
		level := d.EscalationLevel
		r.mu.Unlock()
		return level, true
	}
	d.EscalationLevel++
	level := d.EscalationLevel
	r.commitLocked()
	return level, true
}

// QueueInject appends guidance to an active session's inject queue. It
// returns false without mutating when the session is unknown or not active.
func (r *Registry) QueueInject(key Key, text string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.Status != StatusActive {
		r.mu.Unlock()
		return false
	}
	e.InjectQueue = append(e.InjectQueue, InjectMessage{Text: text, QueuedAt: r.now()})
	r.commitLocked()
	return true
}

// DequeueAllInjects returns the queued messages in FIFO order and clears the
// queue. Unknown sessions yield an empty slice.
func (r *Registry) DequeueAllInjects(key Key) []InjectMessage {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || len(e.InjectQueue) == 0 {
		r.mu.Unlock()
		return []InjectMessage{}
	}
	out := e.InjectQueue
	e.InjectQueue = []InjectMessage{}
	r.commitLocked()
	return out
}

// MarkStopping moves the session to stopping without installing a directive.
// It returns false for unknown sessions and for sessions that already
// finished.
func (r *Registry) MarkStopping(key Key) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	e.Status = StatusStopping
	r.commitLocked()
	return true
}

// MarkCompleted moves the session to completed. On the transition, when the
// session has a parent that is still live, a message naming the child's agent
// type and stopReason is appended to the parent's inject queue. A missing
// parent is ignored. It returns false for unknown sessions.
func (r *Registry) MarkCompleted(key Key, stopReason string) bool {
	return r.finish(key, StatusCompleted, stopReason)
}

// MarkStopped moves the session to stopped, the terminal status for teardown
// without a normal completion. It cascades to the parent like MarkCompleted.
func (r *Registry) MarkStopped(key Key, stopReason string) bool {
	return r.finish(key, StatusStopped, stopReason)
}

func (r *Registry) finish(key Key, status Status, stopReason string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	transitioned := e.Status != status
	e.Status = status
	if transitioned && e.ParentSessionID != "" {
		if parent := r.findLiveParentLocked(e); parent != nil {
			parent.InjectQueue = append(parent.InjectQueue, InjectMessage{
				Text:     childNotice(e, status, stopReason),
				QueuedAt: r.now(),
			})
		}
	}
	r.commitLocked()
	return true
}

// RecordToolCall updates the last tool call. The call count increments while
// the tool name repeats and resets to 1 when it changes. Status is not
// affected. It returns false for unknown sessions.
func (r *Registry) RecordToolCall(key Key, toolName string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	count := 1
	if e.LastToolCall != nil && e.LastToolCall.ToolName == toolName {
		count = e.LastToolCall.CallCount + 1
	}
	e.LastToolCall = &ToolCall{ToolName: toolName, Timestamp: r.now(), CallCount: count}
	r.commitLocked()
	return true
}

// PruneCompleted deletes terminal entries started more than maxAge ago
// (DefaultPruneMaxAge when zero) and returns how many were removed. Active
// and stopping entries are never pruned.
func (r *Registry) PruneCompleted(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultPruneMaxAge
	}
	r.mu.Lock()
	now := r.now()
	removed := 0
	for k, e := range r.entries {
		if e.Status.Terminal() && now.Sub(e.StartedAt) > maxAge {
			delete(r.entries, k)
			removed++
		}
	}
	if removed == 0 {
		r.mu.Unlock()
		return 0
	}
	r.commitLocked()
	return removed
}

// Restore replaces the in-memory state with the persisted document, dropping
// entries started longer ago than the restore max age. A missing document
// yields an empty registry. On read or decode failure the registry is left
// empty and the error is returned for the caller to log.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	raw, err := r.store.Get(ctx, r.storeKey)
	var sessions map[string]Entry
	if err == nil {
		sessions, err = decodeDocument(raw)
	} else if errors.Is(err, kv.ErrNotFound) {
		err = nil
	} else {
		err = fmt.Errorf("read session registry: %w", err)
	}

	r.mu.Lock()
	now := r.now()
	r.entries = make(map[Key]*Entry, len(sessions))
	dropped := 0
	for rawKey, e := range sessions {
		if e.SessionID == "" {
			k, ok := ParseKey(rawKey)
			if !ok {
				dropped++
				continue
			}
			e.WorkspaceID, e.PlanID, e.SessionID = k.WorkspaceID, k.PlanID, k.SessionID
		}
		if now.Sub(e.StartedAt) > r.restoreMaxAge {
			dropped++
			continue
		}
		if e.InjectQueue == nil {
			e.InjectQueue = []InjectMessage{}
		}
		entry := e
		r.entries[entry.Key()] = &entry
	}
	restored := len(r.entries)
	if dropped > 0 {
		r.commitLocked()
	} else {
		active := r.countLiveLocked()
		r.mu.Unlock()
		r.metrics.RecordGauge("lifecycle.sessions.active", float64(active))
		r.bus.Publish()
	}

	if err != nil {
		r.logger.Warn(r.ctx, "session registry restore failed; starting empty", "err", err)
		return err
	}
	r.logger.Info(r.ctx, "session registry restored", "restored", restored, "dropped", dropped)
	return nil
}

// OnDidChange registers a listener called after every mutation. Listeners
// receive no payload and run after the registry lock is released.
func (r *Registry) OnDidChange(l notify.Listener) notify.Subscription {
	return r.bus.Register(l)
}

// Flush waits until every mutation made before the call was handed to the
// store. It returns immediately when persistence is disabled.
func (r *Registry) Flush(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Flush(ctx)
}

// Dispose drops every listener and stops the background writer after a final
// write of pending state. It is idempotent. The registry keeps serving calls
// in memory afterwards without persisting them.
func (r *Registry) Dispose() {
	r.disposeOnce.Do(func() {
		r.bus.Close()
		if r.writer != nil {
			r.writer.close()
		}
	})
}

// commitLocked persists a snapshot, releases the lock, then notifies
// listeners. Callers must hold r.mu.
func (r *Registry) commitLocked() {
	var (
		snapshot []byte
		err      error
	)
	if r.writer != nil {
		snapshot, err = encodeDocument(r.entries)
	}
	// Scheduling under r.mu keeps snapshots reaching the writer in commit
	// order. schedule never blocks.
	if err == nil && r.writer != nil {
		r.writer.schedule(snapshot)
	}
	active := r.countLiveLocked()
	r.mu.Unlock()

	if err != nil {
		r.logger.Error(r.ctx, "encode session registry", "err", err)
	}
	r.metrics.RecordGauge("lifecycle.sessions.active", float64(active))
	r.bus.Publish()
}

func (r *Registry) countLiveLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.Status.Live() {
			n++
		}
	}
	return n
}

func (r *Registry) collect(match func(*Entry) bool) []Entry {
	r.mu.Lock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if match(e) {
			out = append(out, e.clone())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

func (r *Registry) sortedKeysLocked() []Key {
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// findLiveParentLocked resolves the child's parent by session id, preferring
// a parent in the same workspace.
func (r *Registry) findLiveParentLocked(child *Entry) *Entry {
	var fallback *Entry
	for _, k := range r.sortedKeysLocked() {
		if k.SessionID != child.ParentSessionID || k == child.Key() {
			continue
		}
		candidate := r.entries[k]
		if !candidate.Status.Live() {
			continue
		}
		if candidate.WorkspaceID == child.WorkspaceID {
			return candidate
		}
		if fallback == nil {
			fallback = candidate
		}
	}
	return fallback
}

func childNotice(child *Entry, status Status, stopReason string) string {
	if stopReason == "" {
		stopReason = "not specified"
	}
	return fmt.Sprintf("Child %s session %s %s. Stop reason: %s",
		child.AgentType, child.SessionID, status, stopReason)
}
