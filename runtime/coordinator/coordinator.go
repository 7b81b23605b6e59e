// Package coordinator wires the spawn lane registry and the session lifecycle
// registry into the orchestrator control flow: admit a spawn, register its
// session, steer it while it runs and release the lane when it finishes.
package coordinator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DS-codi/project-memory/runtime/lifecycle"
	"github.com/DS-codi/project-memory/runtime/spawn"
	"github.com/DS-codi/project-memory/runtime/telemetry"
)

type (
	// Coordinator composes both registries. It holds no state of its own.
	Coordinator struct {
		lanes    *spawn.Registry
		sessions *lifecycle.Registry
		logger   telemetry.Logger
		tracer   telemetry.Tracer
	}

	// Options configures a Coordinator.
	Options struct {
		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger
		// Tracer emits spans for spawn and finish.
		Tracer telemetry.Tracer
	}

	// Option mutates Options.
	Option func(*Options)

	// SpawnRequest asks to start a sub-session in a lane.
	SpawnRequest struct {
		WorkspaceID        string
		PlanID             string
		AgentName          string
		RequestFingerprint string
		Policy             spawn.Policy
		// DuplicateDebounce is forwarded to spawn.AcquireRequest.
		DuplicateDebounce time.Duration
		// AgentType recorded on the session. Defaults to AgentName.
		AgentType string
		// SessionID of the new session. Defaults to the admitted run id.
		SessionID       string
		ParentSessionID string
	}

	// SpawnResult reports admission and, on acceptance, the registered
	// session.
	SpawnResult struct {
		Admission spawn.AcquireResult
		Session   *lifecycle.Entry
	}

	// FinishRequest ends a sub-session.
	FinishRequest struct {
		WorkspaceID string
		PlanID      string
		RunID       string
		// SessionID defaults to RunID.
		SessionID  string
		StopReason string
		// Failed releases with SPAWN_RELEASE_ERROR_PATH and marks the session
		// stopped instead of completed.
		Failed bool
	}

	// FinishResult reports the lane release and the session transition.
	FinishResult struct {
		Release spawn.ReleaseResult
		// SessionUpdated is false when no session matched.
		SessionUpdated bool
		// Handoff is the queued successor the caller should now acquire.
		Handoff *spawn.QueuedRun
	}

	// StopResult reports a stop request.
	StopResult struct {
		// Accepted is false when the session is unknown or already finished.
		Accepted bool
		// Level is the escalation level now pending on the session.
		Level int
	}
)

// ErrInvalidRequest is returned for requests missing required identifiers.
var ErrInvalidRequest = errors.New("invalid coordinator request")

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// New returns a Coordinator over the given registries.
func New(lanes *spawn.Registry, sessions *lifecycle.Registry, opts ...Option) *Coordinator {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	c := &Coordinator{
		lanes:    lanes,
		sessions: sessions,
		logger:   o.Logger,
		tracer:   o.Tracer,
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.tracer == nil {
		c.tracer = telemetry.NewNoopTracer()
	}
	return c
}

// Spawn acquires the lane and, when admitted, registers the session. Rejected
// and queued admissions are not errors; inspect Admission.ReasonCode.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	if req.WorkspaceID == "" || req.PlanID == "" || req.AgentName == "" {
		return SpawnResult{}, errors.Join(ErrInvalidRequest, errors.New("workspace id, plan id and agent name are required"))
	}
	ctx, span := c.tracer.Start(ctx, "coordinator.spawn", trace.WithAttributes(
		attribute.String("workspace_id", req.WorkspaceID),
		attribute.String("plan_id", req.PlanID),
		attribute.String("agent_name", req.AgentName),
	))
	defer span.End()

	adm := c.lanes.Acquire(spawn.AcquireRequest{
		WorkspaceID:        req.WorkspaceID,
		PlanID:             req.PlanID,
		AgentName:          req.AgentName,
		RequestFingerprint: req.RequestFingerprint,
		Policy:             req.Policy,
		DuplicateDebounce:  req.DuplicateDebounce,
	})
	span.AddEvent("spawn.admission", "reason_code", string(adm.ReasonCode), "run_id", adm.RunID)
	res := SpawnResult{Admission: adm}
	if !adm.Accepted {
		span.SetStatus(codes.Ok, string(adm.ReasonCode))
		return res, nil
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = adm.RunID
	}
	agentType := req.AgentType
	if agentType == "" {
		agentType = req.AgentName
	}
	entry, err := c.sessions.Register(lifecycle.RegisterInput{
		SessionID:       sessionID,
		WorkspaceID:     req.WorkspaceID,
		PlanID:          req.PlanID,
		AgentType:       agentType,
		StartedAt:       adm.Run.AcquiredAt,
		ParentSessionID: req.ParentSessionID,
	})
	if err != nil {
		c.lanes.Release(spawn.ReleaseRequest{
			WorkspaceID: req.WorkspaceID,
			PlanID:      req.PlanID,
			RunID:       adm.RunID,
			ReasonCode:  spawn.ReasonReleaseErrorPath,
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "register session failed")
		c.logger.Error(ctx, "register session failed; lane released", "run_id", adm.RunID, "err", err)
		return SpawnResult{}, err
	}
	res.Session = &entry
	span.SetStatus(codes.Ok, "ok")
	c.logger.Info(ctx, "sub-session spawned",
		"workspace_id", req.WorkspaceID,
		"plan_id", req.PlanID,
		"run_id", adm.RunID,
		"session_id", sessionID,
		"agent_type", agentType)
	return res, nil
}

// Finish releases the lane and moves the session to its terminal status. When
// a successor is queued the release is recorded as a handoff and returned so
// the caller can acquire on its behalf.
func (c *Coordinator) Finish(ctx context.Context, req FinishRequest) FinishResult {
	ctx, span := c.tracer.Start(ctx, "coordinator.finish", trace.WithAttributes(
		attribute.String("workspace_id", req.WorkspaceID),
		attribute.String("plan_id", req.PlanID),
		attribute.String("run_id", req.RunID),
	))
	defer span.End()

	reason := spawn.ReasonReleaseComplete
	if req.Failed {
		reason = spawn.ReasonReleaseErrorPath
	}
	rel := c.lanes.Release(spawn.ReleaseRequest{
		WorkspaceID:       req.WorkspaceID,
		PlanID:            req.PlanID,
		RunID:             req.RunID,
		ReasonCode:        reason,
		HandoffWhenQueued: !req.Failed,
	})

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.RunID
	}
	key := lifecycle.Key{WorkspaceID: req.WorkspaceID, PlanID: req.PlanID, SessionID: sessionID}
	var updated bool
	if req.Failed {
		updated = c.sessions.MarkStopped(key, req.StopReason)
	} else {
		updated = c.sessions.MarkCompleted(key, req.StopReason)
	}

	span.AddEvent("spawn.release", "released", rel.Released, "reason_code", string(rel.ReasonCode))
	c.logger.Info(ctx, "sub-session finished",
		"workspace_id", req.WorkspaceID,
		"plan_id", req.PlanID,
		"run_id", req.RunID,
		"released", rel.Released,
		"session_updated", updated,
		"handoff", rel.DroppedQueued != nil)
	return FinishResult{Release: rel, SessionUpdated: updated, Handoff: rel.DroppedQueued}
}

// Stop asks a session to stop. The first call installs a graceful directive;
// later calls against a stopping session escalate it up to forced.
func (c *Coordinator) Stop(key lifecycle.Key, reason string) StopResult {
	if c.sessions.QueueInterrupt(key, reason) {
		return StopResult{Accepted: true, Level: lifecycle.EscalationGraceful}
	}
	e, ok := c.sessions.Get(key)
	if !ok || e.Status != lifecycle.StatusStopping {
		return StopResult{}
	}
	level, ok := c.sessions.IncrementEscalation(key)
	return StopResult{Accepted: ok, Level: level}
}

// Cancel records cancellation of the run on its lane and asks the session to
// stop. Neither step terminates the running process.
func (c *Coordinator) Cancel(ctx context.Context, key lifecycle.Key, runID, reason string) (spawn.CancelResult, StopResult) {
	cancelled := c.lanes.MarkCancelled(spawn.CancelRequest{
		WorkspaceID: key.WorkspaceID,
		PlanID:      key.PlanID,
		RunID:       runID,
	})
	stop := c.Stop(key, reason)
	c.logger.Info(ctx, "sub-session cancelled",
		"session_id", key.SessionID,
		"run_id", runID,
		"lane_cancelled", cancelled.Cancelled,
		"escalation_level", stop.Level)
	return cancelled, stop
}

// Guide queues guidance for an active session.
func (c *Coordinator) Guide(key lifecycle.Key, text string) bool {
	return c.sessions.QueueInject(key, text)
}

// Touch records activity: it refreshes the lane heartbeat for runID and, when
// toolName is set, the session's last tool call. It reports whether either
// registry knew the caller.
func (c *Coordinator) Touch(key lifecycle.Key, runID, toolName string) bool {
	seen := c.lanes.Heartbeat(key.WorkspaceID, key.PlanID, runID)
	if toolName != "" && c.sessions.RecordToolCall(key, toolName) {
		seen = true
	}
	return seen
}

// Prune drops finished sessions older than maxAge and returns the count.
func (c *Coordinator) Prune(ctx context.Context, maxAge time.Duration) int {
	n := c.sessions.PruneCompleted(maxAge)
	if n > 0 {
		c.logger.Debug(ctx, "pruned finished sessions", "count", n)
	}
	return n
}
