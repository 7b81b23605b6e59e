// Package spawn implements the spawn lane registry: single-flight admission of
// sub-session spawn requests keyed by (workspace, plan).
//
// A lane holds at most one active run and at most one queued successor. The
// registry never blocks and performs no I/O; every outcome is reported as a
// typed result carrying a ReasonCode. Runs that stop heartbeating are evicted
// by the next Acquire once they are older than the staleness threshold, which
// is the only recovery path for callers that crashed without releasing.
package spawn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DS-codi/project-memory/runtime/notify"
	"github.com/DS-codi/project-memory/runtime/telemetry"
)

const (
	// DefaultDuplicateDebounce is the window within which a repeat of the
	// admitted request fingerprint is absorbed as a duplicate.
	DefaultDuplicateDebounce = 2500 * time.Millisecond
	// DefaultStaleAfter is the age of last_seen_at after which a run is
	// considered abandoned.
	DefaultStaleAfter = 10 * time.Minute
)

type (
	// Registry tracks spawn lanes. It is safe for concurrent use; all
	// check-then-act sequences run under a single mutex.
	Registry struct {
		mu         sync.Mutex
		lanes      map[laneKey]*lane
		ctx        context.Context
		now        func() time.Time
		staleAfter time.Duration
		newRunID   func(agentName string) string
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		bus        *notify.Bus
	}

	// Option configures a Registry.
	Option func(*Registry)

	// AcquireRequest asks for admission into a lane.
	AcquireRequest struct {
		WorkspaceID        string
		PlanID             string
		AgentName          string
		RequestFingerprint string
		// Policy defaults to PolicyReject.
		Policy Policy
		// DuplicateDebounce defaults to DefaultDuplicateDebounce when zero.
		// A negative value disables duplicate absorption.
		DuplicateDebounce time.Duration
	}

	// AcquireResult reports the outcome of Acquire.
	AcquireResult struct {
		// Accepted is true only for ReasonAccepted.
		Accepted   bool
		ReasonCode ReasonCode
		// RunID is the new run on acceptance, or the existing run when the
		// request was absorbed as a duplicate.
		RunID string
		// ActiveRunID identifies the run occupying the lane when the request
		// was not accepted.
		ActiveRunID string
		// Queued reports whether the lane's queue slot is occupied after the
		// call.
		Queued      bool
		QueueLength int
		// Run is a snapshot of the run owning the lane after the call.
		Run *ActiveRun
		// StaleRecovered is true when a stale run was evicted before
		// evaluating the request. EvictedRunID names it.
		StaleRecovered bool
		EvictedRunID   string
	}

	// ReleaseRequest frees a lane. When RunID is set it must match the active
	// run or the call is a no-op.
	ReleaseRequest struct {
		WorkspaceID string
		PlanID      string
		RunID       string
		// ReasonCode defaults to ReasonReleaseComplete.
		ReasonCode ReasonCode
		// HandoffWhenQueued reports ReasonReleaseHandoff instead of ReasonCode
		// when the lane holds a queued successor at release time.
		HandoffWhenQueued bool
	}

	// ReleaseResult reports the outcome of Release.
	ReleaseResult struct {
		Released   bool
		ReasonCode ReasonCode
		// Run is the final snapshot of the released run.
		Run *ActiveRun
		// DroppedQueued is the queued successor discarded with the lane, if
		// any, so the caller can resubmit it.
		DroppedQueued *QueuedRun
	}

	// CancelRequest records cancellation of the active run. When RunID is set
	// it must match the active run or the call is a no-op.
	CancelRequest struct {
		WorkspaceID string
		PlanID      string
		RunID       string
		// ReasonCode defaults to ReasonCancelledToken.
		ReasonCode ReasonCode
	}

	// CancelResult reports the outcome of MarkCancelled.
	CancelResult struct {
		Cancelled  bool
		ReasonCode ReasonCode
		Run        *ActiveRun
	}
)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithRunIDGenerator overrides how run identifiers are minted.
func WithRunIDGenerator(fn func(agentName string) string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newRunID = fn
		}
	}
}

// WithLogger sets the logger used for evictions and releases.
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

// New returns an empty Registry. ctx is used for logging only.
func New(ctx context.Context, opts ...Option) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Registry{
		lanes:      make(map[laneKey]*lane),
		ctx:        ctx,
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		newRunID:   generateRunID,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		bus:        notify.NewBus(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Acquire evaluates a spawn request against its lane.
//
// Evaluation order: stale eviction, duplicate debounce, then occupied-lane
// handling. Debounce runs before rejection so a caller retrying within the
// window never observes a bare rejection.
func (r *Registry) Acquire(req AcquireRequest) AcquireResult {
	debounce := req.DuplicateDebounce
	if debounce == 0 {
		debounce = DefaultDuplicateDebounce
	}
	key := laneKey{workspaceID: req.WorkspaceID, planID: req.PlanID}

	r.mu.Lock()
	now := r.now()
	var res AcquireResult
	l := r.lanes[key]
	if l != nil && l.active != nil && now.Sub(l.active.LastSeenAt) > r.staleAfter {
		res.StaleRecovered = true
		res.EvictedRunID = l.active.RunID
		delete(r.lanes, key)
		l = nil
	}
	switch {
	case l == nil || l.active == nil:
		run := &ActiveRun{
			RunID:              r.newRunID(req.AgentName),
			WorkspaceID:        req.WorkspaceID,
			PlanID:             req.PlanID,
			AgentName:          req.AgentName,
			RequestFingerprint: req.RequestFingerprint,
			Status:             RunActive,
			AcquiredAt:         now,
			LastSeenAt:         now,
		}
		l = &lane{active: run}
		r.lanes[key] = l
		res.Accepted = true
		res.ReasonCode = ReasonAccepted
		res.RunID = run.RunID
	case l.active.Status == RunActive &&
		l.active.RequestFingerprint == req.RequestFingerprint &&
		debounce > 0 && now.Sub(l.active.LastSeenAt) <= debounce:
		l.active.LastSeenAt = now
		res.ReasonCode = ReasonRejectDuplicateDebounce
		res.RunID = l.active.RunID
		res.ActiveRunID = l.active.RunID
	case req.Policy == PolicyQueue1 && l.queued == nil:
		l.queued = &QueuedRun{
			QueuedAt:           now,
			AgentName:          req.AgentName,
			RequestFingerprint: req.RequestFingerprint,
		}
		res.ReasonCode = ReasonQueuedOptional
		res.ActiveRunID = l.active.RunID
	default:
		res.ReasonCode = ReasonRejectActiveLane
		res.ActiveRunID = l.active.RunID
	}
	res.Queued = l.queued != nil
	res.QueueLength = l.queueLength()
	res.Run = l.snapshot().Active
	r.mu.Unlock()

	if res.StaleRecovered {
		r.logger.Warn(r.ctx, "spawn lane evicted stale run",
			"workspace_id", req.WorkspaceID,
			"plan_id", req.PlanID,
			"run_id", res.EvictedRunID,
			"reason_code", string(ReasonStaleRecovery))
		r.metrics.IncCounter("spawn.evict", 1, "reason", string(ReasonStaleRecovery))
	}
	r.metrics.IncCounter("spawn.acquire", 1, "reason", string(res.ReasonCode))
	if res.Accepted || res.ReasonCode == ReasonQueuedOptional || res.StaleRecovered {
		r.bus.Publish()
	}
	return res
}

// Peek returns a snapshot of the lane, or false when the lane is empty.
func (r *Registry) Peek(workspaceID, planID string) (Lane, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[laneKey{workspaceID: workspaceID, planID: planID}]
	if !ok {
		return Lane{}, false
	}
	return l.snapshot(), true
}

// List returns snapshots of every occupied lane ordered by workspace then plan.
func (r *Registry) List() []Lane {
	r.mu.Lock()
	keys := make([]laneKey, 0, len(r.lanes))
	for k := range r.lanes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].workspaceID != keys[j].workspaceID {
			return keys[i].workspaceID < keys[j].workspaceID
		}
		return keys[i].planID < keys[j].planID
	})
	out := make([]Lane, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.lanes[k].snapshot())
	}
	r.mu.Unlock()
	return out
}

// Len returns the number of occupied lanes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

// Release frees the lane and deletes its entry. A RunID that does not match
// the active run makes the call a no-op so a stale caller cannot release a
// lane that was re-acquired by someone else.
func (r *Registry) Release(req ReleaseRequest) ReleaseResult {
	reason := req.ReasonCode
	if reason == "" {
		reason = ReasonReleaseComplete
	}
	key := laneKey{workspaceID: req.WorkspaceID, planID: req.PlanID}

	r.mu.Lock()
	l := r.lanes[key]
	if l == nil || l.active == nil || (req.RunID != "" && req.RunID != l.active.RunID) {
		r.mu.Unlock()
		return ReleaseResult{ReasonCode: reason}
	}
	if req.HandoffWhenQueued && l.queued != nil {
		reason = ReasonReleaseHandoff
	}
	snap := l.snapshot()
	delete(r.lanes, key)
	r.mu.Unlock()

	res := ReleaseResult{ReasonCode: reason}
	snap.Active.Status = RunReleased
	snap.Active.ReleaseReasonCode = &reason
	res.Released = true
	res.Run = snap.Active
	res.DroppedQueued = snap.Queued

	r.logger.Debug(r.ctx, "spawn lane released",
		"workspace_id", req.WorkspaceID,
		"plan_id", req.PlanID,
		"run_id", snap.Active.RunID,
		"reason_code", string(reason),
		"dropped_queued", snap.Queued != nil)
	r.metrics.IncCounter("spawn.release", 1, "reason", string(reason))
	r.bus.Publish()
	return res
}

// MarkCancelled records cancellation of the active run without freeing the
// lane. The run keeps blocking admissions until Release or stale eviction.
// It does not stop any running process.
func (r *Registry) MarkCancelled(req CancelRequest) CancelResult {
	reason := req.ReasonCode
	if reason == "" {
		reason = ReasonCancelledToken
	}
	key := laneKey{workspaceID: req.WorkspaceID, planID: req.PlanID}
	res := CancelResult{ReasonCode: reason}

	r.mu.Lock()
	l := r.lanes[key]
	if l == nil || l.active == nil || (req.RunID != "" && req.RunID != l.active.RunID) {
		r.mu.Unlock()
		return res
	}
	l.active.Status = RunCancelled
	l.active.LastSeenAt = r.now()
	rc := reason
	l.active.ReleaseReasonCode = &rc
	res.Cancelled = true
	res.Run = l.snapshot().Active
	r.mu.Unlock()

	r.metrics.IncCounter("spawn.cancel", 1, "reason", string(reason))
	r.bus.Publish()
	return res
}

// Heartbeat refreshes last_seen_at of the active run so long-running work is
// not evicted as stale. It returns false when the lane is empty or runID does
// not match.
func (r *Registry) Heartbeat(workspaceID, planID, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.lanes[laneKey{workspaceID: workspaceID, planID: planID}]
	if l == nil || l.active == nil || (runID != "" && runID != l.active.RunID) {
		return false
	}
	l.active.LastSeenAt = r.now()
	return true
}

// IsStale reports whether the lane's active run has not been seen for longer
// than staleAfter (DefaultStaleAfter when zero). Empty lanes are never stale.
// IsStale has no side effects.
func (r *Registry) IsStale(workspaceID, planID string, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		staleAfter = r.staleAfter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.lanes[laneKey{workspaceID: workspaceID, planID: planID}]
	if l == nil || l.active == nil {
		return false
	}
	return r.now().Sub(l.active.LastSeenAt) > staleAfter
}

// OnDidChange registers a listener called after admissions, queueing,
// evictions, releases and cancellations.
func (r *Registry) OnDidChange(l notify.Listener) notify.Subscription {
	return r.bus.Register(l)
}

// Dispose drops every change listener. It is idempotent.
func (r *Registry) Dispose() {
	r.bus.Close()
}

// generateRunID returns a unique run identifier prefixed with the normalized
// agent name to keep logs readable.
func generateRunID(agentName string) string {
	prefix := strings.ToLower(strings.Join(strings.Fields(agentName), "-"))
	if prefix == "" {
		prefix = "run"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
