package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DS-codi/project-memory/runtime/telemetry"
)

func TestDocumentRoundTrip(t *testing.T) {
	started := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	entries := map[Key]*Entry{
		{WorkspaceID: "ws", PlanID: "p", SessionID: "s"}: {
			SessionID:   "s",
			WorkspaceID: "ws",
			PlanID:      "p",
			AgentType:   "Executor",
			StartedAt:   started,
			Status:      StatusStopping,
			InterruptDirective: &InterruptDirective{
				RequestedAt:     started.Add(time.Minute),
				EscalationLevel: EscalationImmediate,
				Reason:          "user stop",
			},
			InjectQueue: []InjectMessage{{Text: "hint", QueuedAt: started}},
		},
	}
	raw, err := encodeDocument(entries)
	require.NoError(t, err)

	sessions, err := decodeDocument(raw)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	got := sessions["ws::p::s"]
	assert.Equal(t, "Executor", got.AgentType)
	assert.True(t, started.Equal(got.StartedAt))
	require.NotNil(t, got.InterruptDirective)
	assert.Equal(t, EscalationImmediate, got.InterruptDirective.EscalationLevel)
	assert.Nil(t, got.LastToolCall)
	assert.Equal(t, "hint", got.InjectQueue[0].Text)
}

func TestParseKey(t *testing.T) {
	k, ok := ParseKey("ws::plan::sess")
	require.True(t, ok)
	require.Equal(t, Key{WorkspaceID: "ws", PlanID: "plan", SessionID: "sess"}, k)
	require.Equal(t, "ws::plan::sess", k.String())

	k, ok = ParseKey("::::s::x")
	require.True(t, ok)
	require.Equal(t, "s::x", k.SessionID)

	for _, bad := range []string{"", "ws::plan", "ws::plan::"} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}

// gatedStore blocks the first Set until release is closed.
type gatedStore struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newGatedStore() *gatedStore {
	return &gatedStore{release: make(chan struct{}), entered: make(chan struct{})}
}

func (s *gatedStore) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (s *gatedStore) Set(_ context.Context, _ string, value []byte) error {
	first := false
	s.once.Do(func() {
		first = true
		close(s.entered)
	})
	if first {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, value)
	return nil
}

func (s *gatedStore) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func TestWriterCoalesces(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	w := newWriter(ctx, store, "k", time.Second, 0, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	defer w.close()

	w.schedule([]byte("1"))
	<-store.entered
	w.schedule([]byte("2"))
	w.schedule([]byte("3"))
	close(store.release)

	require.NoError(t, w.Flush(ctx))
	writes := store.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, "1", string(writes[0]))
	assert.Equal(t, "3", string(writes[1]))
}

func TestWriterFlushHonorsContext(t *testing.T) {
	store := newGatedStore()
	w := newWriter(context.Background(), store, "k", time.Second, 0, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	w.schedule([]byte("1"))
	<-store.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Flush(ctx), context.DeadlineExceeded)

	close(store.release)
	w.close()
	w.close()
	require.Len(t, store.snapshot(), 1)
}
