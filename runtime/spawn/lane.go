package spawn

import "time"

type (
	// Policy selects what Acquire does when the lane is occupied.
	Policy string

	// RunStatus is the lifecycle state of an admitted run.
	RunStatus string

	// ActiveRun is the run currently owning a lane.
	ActiveRun struct {
		RunID              string    `json:"runId"`
		WorkspaceID        string    `json:"workspaceId"`
		PlanID             string    `json:"planId"`
		AgentName          string    `json:"agentName"`
		RequestFingerprint string    `json:"requestFingerprint"`
		Status             RunStatus `json:"status"`
		AcquiredAt         time.Time `json:"acquiredAt"`
		LastSeenAt         time.Time `json:"lastSeenAt"`
		// ReleaseReasonCode is set by MarkCancelled and by Release.
		ReleaseReasonCode *ReasonCode `json:"releaseReasonCode,omitempty"`
	}

	// QueuedRun is the single optional successor waiting on a lane.
	QueuedRun struct {
		QueuedAt           time.Time `json:"queuedAt"`
		AgentName          string    `json:"agentName"`
		RequestFingerprint string    `json:"requestFingerprint"`
	}

	// Lane is a read-only snapshot of one (workspace, plan) lane.
	Lane struct {
		Active *ActiveRun `json:"activeRun,omitempty"`
		Queued *QueuedRun `json:"queuedRun,omitempty"`
	}

	laneKey struct {
		workspaceID string
		planID      string
	}

	lane struct {
		active *ActiveRun
		queued *QueuedRun
	}
)

const (
	// PolicyReject rejects any request while the lane is occupied.
	PolicyReject Policy = "reject"
	// PolicyQueue1 stores at most one pending successor.
	PolicyQueue1 Policy = "queue1"

	// RunActive marks a run that owns its lane.
	RunActive RunStatus = "active"
	// RunCancelled marks a run whose cancellation was recorded. The lane stays
	// occupied until Release or stale eviction.
	RunCancelled RunStatus = "cancelled"
	// RunReleased marks a run that gave up its lane.
	RunReleased RunStatus = "released"
)

func (l *lane) snapshot() Lane {
	var out Lane
	if l.active != nil {
		a := *l.active
		if l.active.ReleaseReasonCode != nil {
			rc := *l.active.ReleaseReasonCode
			a.ReleaseReasonCode = &rc
		}
		out.Active = &a
	}
	if l.queued != nil {
		q := *l.queued
		out.Queued = &q
	}
	return out
}

func (l *lane) queueLength() int {
	if l.queued != nil {
		return 1
	}
	return 0
}
