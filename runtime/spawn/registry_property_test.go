package spawn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// laneOp is one step of a randomly generated call sequence against a lane.
type laneOp struct {
	Kind        int // 0 acquire, 1 acquire queue1, 2 release, 3 cancel, 4 advance
	Fingerprint int
	AdvanceMs   int
	UseRunID    bool
}

func genLaneOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 4),
		gen.IntRange(0, 3),
		gen.IntRange(0, 12*60*1000),
		gen.Bool(),
	).Map(func(vals []any) laneOp {
		return laneOp{
			Kind:        vals[0].(int),
			Fingerprint: vals[1].(int),
			AdvanceMs:   vals[2].(int),
			UseRunID:    vals[3].(bool),
		}
	})
}

// TestLaneSingleOwnerProperty verifies that for any call sequence a lane has at
// most one active run and at most one queued successor, and that every
// acceptance happens only when the lane was empty or stale.
func TestLaneSingleOwnerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("lane never holds two owners", prop.ForAll(
		func(ops []laneOp) bool {
			clock := newFakeClock()
			reg := New(context.Background(), WithClock(clock.Now))
			var lastRunID string
			for _, op := range ops {
				before, occupied := reg.Peek("ws", "p")
				switch op.Kind {
				case 0, 1:
					policy := PolicyReject
					if op.Kind == 1 {
						policy = PolicyQueue1
					}
					res := reg.Acquire(AcquireRequest{
						WorkspaceID:        "ws",
						PlanID:             "p",
						AgentName:          "agent",
						RequestFingerprint: fmt.Sprintf("fp-%d", op.Fingerprint),
						Policy:             policy,
					})
					if res.Accepted {
						wasStale := occupied && clock.Now().Sub(before.Active.LastSeenAt) > DefaultStaleAfter
						if occupied && !wasStale {
							return false
						}
						lastRunID = res.RunID
					}
					if res.QueueLength > 1 || (res.QueueLength == 1) != res.Queued {
						return false
					}
				case 2:
					runID := ""
					if op.UseRunID {
						runID = lastRunID
					}
					res := reg.Release(ReleaseRequest{WorkspaceID: "ws", PlanID: "p", RunID: runID})
					if res.Released && (!occupied || (runID != "" && before.Active.RunID != runID)) {
						return false
					}
				case 3:
					reg.MarkCancelled(CancelRequest{WorkspaceID: "ws", PlanID: "p"})
				case 4:
					clock.Advance(time.Duration(op.AdvanceMs) * time.Millisecond)
				}
				if reg.Len() > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genLaneOp()),
	))

	properties.TestingRun(t)
}

// TestConcurrentAdmissionProperty verifies that for any number of concurrent
// callers with distinct fingerprints exactly one is admitted.
func TestConcurrentAdmissionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one concurrent caller is admitted", prop.ForAll(
		func(callers int) bool {
			reg := New(context.Background())
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted int
				rejected int
			)
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res := reg.Acquire(AcquireRequest{
						WorkspaceID:        "ws",
						PlanID:             "p",
						AgentName:          "agent",
						RequestFingerprint: fmt.Sprintf("fp-%d", i),
					})
					mu.Lock()
					defer mu.Unlock()
					switch res.ReasonCode {
					case ReasonAccepted:
						accepted++
					case ReasonRejectActiveLane:
						rejected++
					}
				}()
			}
			wg.Wait()
			return accepted == 1 && rejected == callers-1
		},
		gen.IntRange(1, 48),
	))

	properties.TestingRun(t)
}

// TestDebounceWindowProperty verifies that a repeat of the admitted fingerprint
// is absorbed inside the window and rejected outside it.
func TestDebounceWindowProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("debounce boundary", prop.ForAll(
		func(elapsedMs int) bool {
			clock := newFakeClock()
			reg := New(context.Background(), WithClock(clock.Now))
			req := AcquireRequest{WorkspaceID: "ws", PlanID: "p", AgentName: "a", RequestFingerprint: "fp"}
			first := reg.Acquire(req)
			clock.Advance(time.Duration(elapsedMs) * time.Millisecond)
			res := reg.Acquire(req)
			if time.Duration(elapsedMs)*time.Millisecond <= DefaultDuplicateDebounce {
				return res.ReasonCode == ReasonRejectDuplicateDebounce && res.RunID == first.RunID &&
					res.Run.LastSeenAt.Equal(clock.Now())
			}
			return res.ReasonCode == ReasonRejectActiveLane && res.ActiveRunID == first.RunID
		},
		gen.IntRange(0, 5000),
	))

	properties.TestingRun(t)
}
