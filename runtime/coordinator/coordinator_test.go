package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DS-codi/project-memory/runtime/lifecycle"
	"github.com/DS-codi/project-memory/runtime/spawn"
	"github.com/DS-codi/project-memory/runtime/telemetry"
)

type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordingSpan
}

type recordingSpan struct {
	name   string
	events []string
	status codes.Code
	ended  bool
}

func (t *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &recordingSpan{name: name}
	t.spans = append(t.spans, s)
	return ctx, s
}

func (s *recordingSpan) End(...trace.SpanEndOption)              { s.ended = true }
func (s *recordingSpan) AddEvent(name string, _ ...any)          { s.events = append(s.events, name) }
func (s *recordingSpan) SetStatus(code codes.Code, _ string)     { s.status = code }
func (s *recordingSpan) RecordError(error, ...trace.EventOption) {}

func newTestCoordinator(t *testing.T) (*Coordinator, *spawn.Registry, *lifecycle.Registry, *recordingTracer) {
	t.Helper()
	ctx := context.Background()
	lanes := spawn.New(ctx)
	sessions := lifecycle.New(ctx, nil)
	t.Cleanup(sessions.Dispose)
	t.Cleanup(lanes.Dispose)
	tracer := &recordingTracer{}
	return New(lanes, sessions, WithTracer(tracer)), lanes, sessions, tracer
}

func TestSpawnRegistersSession(t *testing.T) {
	c, _, sessions, tracer := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor", RequestFingerprint: "fp-A"})
	require.NoError(t, err)
	require.True(t, res.Admission.Accepted)
	require.NotNil(t, res.Session)
	assert.Equal(t, res.Admission.RunID, res.Session.SessionID)
	assert.Equal(t, "Executor", res.Session.AgentType)
	assert.Equal(t, lifecycle.StatusActive, res.Session.Status)

	_, ok := sessions.Get(res.Session.Key())
	require.True(t, ok)

	require.Len(t, tracer.spans, 1)
	assert.Equal(t, "coordinator.spawn", tracer.spans[0].name)
	assert.True(t, tracer.spans[0].ended)
	assert.Equal(t, codes.Ok, tracer.spans[0].status)
}

func TestSpawnRejectedDoesNotRegister(t *testing.T) {
	c, _, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor", RequestFingerprint: "fp-A"})
	require.NoError(t, err)
	res, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Tester", RequestFingerprint: "fp-B", SessionID: "tester-1"})
	require.NoError(t, err)
	require.False(t, res.Admission.Accepted)
	require.Equal(t, spawn.ReasonRejectActiveLane, res.Admission.ReasonCode)
	require.Nil(t, res.Session)
	require.Equal(t, 1, sessions.Len())
}

func TestSpawnValidates(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	_, err := c.Spawn(context.Background(), SpawnRequest{WorkspaceID: "ws1", AgentName: "Executor"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFinishCascadesAndFreesLane(t *testing.T) {
	c, _, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	parent, err := sessions.Register(lifecycle.RegisterInput{SessionID: "coord", WorkspaceID: "ws1", PlanID: "plan0", AgentType: "Coordinator"})
	require.NoError(t, err)

	res, err := c.Spawn(ctx, SpawnRequest{
		WorkspaceID:     "ws1",
		PlanID:          "plan1",
		AgentName:       "Tester",
		SessionID:       "tester-1",
		ParentSessionID: "coord",
	})
	require.NoError(t, err)

	fin := c.Finish(ctx, FinishRequest{WorkspaceID: "ws1", PlanID: "plan1", RunID: res.Admission.RunID, SessionID: "tester-1", StopReason: "all green"})
	require.True(t, fin.Release.Released)
	require.Equal(t, spawn.ReasonReleaseComplete, fin.Release.ReasonCode)
	require.True(t, fin.SessionUpdated)
	require.Nil(t, fin.Handoff)

	msgs := sessions.DequeueAllInjects(parent.Key())
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Tester")
	assert.Contains(t, msgs[0].Text, "all green")

	again, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Reviewer"})
	require.NoError(t, err)
	require.True(t, again.Admission.Accepted)
}

func TestFinishHandoff(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor", RequestFingerprint: "fp-A"})
	require.NoError(t, err)
	queued, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Tester", RequestFingerprint: "fp-B", Policy: spawn.PolicyQueue1})
	require.NoError(t, err)
	require.Equal(t, spawn.ReasonQueuedOptional, queued.Admission.ReasonCode)

	fin := c.Finish(ctx, FinishRequest{WorkspaceID: "ws1", PlanID: "plan1", RunID: first.Admission.RunID})
	require.True(t, fin.Release.Released)
	require.Equal(t, spawn.ReasonReleaseHandoff, fin.Release.ReasonCode)
	require.NotNil(t, fin.Handoff)
	require.Equal(t, "Tester", fin.Handoff.AgentName)
	require.True(t, fin.SessionUpdated)
}

func TestFinishFailedMarksStopped(t *testing.T) {
	c, _, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor"})
	require.NoError(t, err)
	fin := c.Finish(ctx, FinishRequest{WorkspaceID: "ws1", PlanID: "plan1", RunID: res.Admission.RunID, Failed: true, StopReason: "crashed"})
	require.Equal(t, spawn.ReasonReleaseErrorPath, fin.Release.ReasonCode)

	e, ok := sessions.Get(res.Session.Key())
	require.True(t, ok)
	require.Equal(t, lifecycle.StatusStopped, e.Status)
}

func TestFinishWrongRunIsNoop(t *testing.T) {
	c, lanes, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor"})
	require.NoError(t, err)
	fin := c.Finish(ctx, FinishRequest{WorkspaceID: "ws1", PlanID: "plan1", RunID: "someone-else"})
	require.False(t, fin.Release.Released)
	require.False(t, fin.SessionUpdated)
	require.Equal(t, 1, lanes.Len())
}

func TestStopEscalates(t *testing.T) {
	c, _, sessions, _ := newTestCoordinator(t)
	res, err := c.Spawn(context.Background(), SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor"})
	require.NoError(t, err)
	key := res.Session.Key()

	var levels []int
	for range 4 {
		s := c.Stop(key, "user stop")
		require.True(t, s.Accepted)
		levels = append(levels, s.Level)
	}
	require.Equal(t, []int{1, 2, 3, 3}, levels)

	// A consumed directive cannot be escalated.
	_, ok := sessions.DequeueInterrupt(key)
	require.True(t, ok)
	require.False(t, c.Stop(key, "again").Accepted)

	require.True(t, sessions.MarkCompleted(key, ""))
	require.False(t, c.Stop(key, "late").Accepted)
	require.False(t, c.Stop(lifecycle.Key{SessionID: "missing"}, "").Accepted)
}

func TestCancel(t *testing.T) {
	c, lanes, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()
	res, err := c.Spawn(ctx, SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor"})
	require.NoError(t, err)

	cancelled, stop := c.Cancel(ctx, res.Session.Key(), res.Admission.RunID, "user cancel")
	require.True(t, cancelled.Cancelled)
	require.Equal(t, spawn.ReasonCancelledToken, cancelled.ReasonCode)
	require.True(t, stop.Accepted)

	lane, ok := lanes.Peek("ws1", "plan1")
	require.True(t, ok, "cancel keeps the lane")
	require.Equal(t, spawn.RunCancelled, lane.Active.Status)

	e, _ := sessions.Get(res.Session.Key())
	require.Equal(t, lifecycle.StatusStopping, e.Status)
}

func TestGuideAndTouch(t *testing.T) {
	c, _, sessions, _ := newTestCoordinator(t)
	res, err := c.Spawn(context.Background(), SpawnRequest{WorkspaceID: "ws1", PlanID: "plan1", AgentName: "Executor"})
	require.NoError(t, err)
	key := res.Session.Key()

	require.True(t, c.Guide(key, "focus on tests"))
	require.True(t, c.Touch(key, res.Admission.RunID, "run_tests"))
	require.True(t, c.Touch(key, "", "run_tests"))

	e, _ := sessions.Get(key)
	require.Len(t, e.InjectQueue, 1)
	require.Equal(t, 2, e.LastToolCall.CallCount)

	require.False(t, c.Touch(lifecycle.Key{WorkspaceID: "ws9", PlanID: "p", SessionID: "x"}, "", "read"))
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()
	lanes := spawn.New(ctx)
	sessions := lifecycle.New(ctx, nil, lifecycle.WithClock(clock))
	t.Cleanup(sessions.Dispose)
	c := New(lanes, sessions)

	_, err := sessions.Register(lifecycle.RegisterInput{SessionID: "old", WorkspaceID: "ws", PlanID: "p", StartedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	require.True(t, sessions.MarkCompleted(lifecycle.Key{WorkspaceID: "ws", PlanID: "p", SessionID: "old"}, ""))

	require.Equal(t, 1, c.Prune(ctx, time.Hour))
	require.Zero(t, sessions.Len())
}
