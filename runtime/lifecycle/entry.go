package lifecycle

import (
	"strings"
	"time"
)

type (
	// Status is the lifecycle state of a sub-session.
	Status string

	// Key is the (workspace, plan, session) identity of an entry.
	Key struct {
		WorkspaceID string
		PlanID      string
		SessionID   string
	}

	// Entry is the tracked state of one sub-session. Callers only ever receive
	// copies; mutate through the Registry.
	Entry struct {
		SessionID   string `json:"sessionId"`
		WorkspaceID string `json:"workspaceId"`
		PlanID      string `json:"planId"`
		AgentType   string `json:"agentType"`
		// ParentSessionID is a weak reference resolved at notification time.
		ParentSessionID string    `json:"parentSessionId,omitempty"`
		StartedAt       time.Time `json:"startedAt"`
		Status          Status    `json:"status"`
		// InterruptDirective is present only while a stop request awaits
		// consumption by the session's control loop.
		InterruptDirective *InterruptDirective `json:"interruptDirective,omitempty"`
		InjectQueue        []InjectMessage     `json:"injectQueue"`
		LastToolCall       *ToolCall           `json:"lastToolCall,omitempty"`
		// StopEscalationCount is kept for telemetry; the directive's
		// EscalationLevel is authoritative for the current tier.
		StopEscalationCount int `json:"stopEscalationCount"`
	}

	// InterruptDirective is a pending stop request.
	InterruptDirective struct {
		RequestedAt     time.Time `json:"requestedAt"`
		EscalationLevel int       `json:"escalationLevel"`
		Reason          string    `json:"reason,omitempty"`
	}

	// InjectMessage is guidance queued for a running session.
	InjectMessage struct {
		Text     string    `json:"text"`
		QueuedAt time.Time `json:"queuedAt"`
	}

	// ToolCall records the most recent tool invocation of a session.
	ToolCall struct {
		ToolName  string    `json:"toolName"`
		Timestamp time.Time `json:"timestamp"`
		// CallCount is the number of consecutive calls to ToolName.
		CallCount int `json:"callCount"`
	}

	// RegisterInput describes a newly started sub-session.
	RegisterInput struct {
		SessionID       string
		WorkspaceID     string
		PlanID          string
		AgentType       string
		StartedAt       time.Time
		ParentSessionID string
	}
)

const (
	// StatusActive marks a running session.
	StatusActive Status = "active"
	// StatusStopping marks a session asked to stop.
	StatusStopping Status = "stopping"
	// StatusStopped marks a session torn down without a normal completion.
	StatusStopped Status = "stopped"
	// StatusCompleted marks a session that finished.
	StatusCompleted Status = "completed"
)

const (
	// EscalationGraceful asks the session to wrap up.
	EscalationGraceful = 1
	// EscalationImmediate asks the session to stop now.
	EscalationImmediate = 2
	// EscalationForced asks the host to terminate the session.
	EscalationForced = 3
	// MaxEscalationLevel caps IncrementEscalation.
	MaxEscalationLevel = EscalationForced
)

const keySeparator = "::"

// Live reports whether the status is active or stopping.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusStopping
}

// Terminal reports whether the status is stopped or completed.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// String renders the key as "<workspace>::<plan>::<session>", the form used
// in the persisted document.
func (k Key) String() string {
	return k.WorkspaceID + keySeparator + k.PlanID + keySeparator + k.SessionID
}

// ParseKey parses the persisted key form. It reports false unless the input
// has three segments and a non-empty session id.
func ParseKey(s string) (Key, bool) {
	parts := strings.SplitN(s, keySeparator, 3)
	if len(parts) != 3 || parts[2] == "" {
		return Key{}, false
	}
	return Key{WorkspaceID: parts[0], PlanID: parts[1], SessionID: parts[2]}, true
}

// Key returns the identity of the entry.
func (e Entry) Key() Key {
	return Key{WorkspaceID: e.WorkspaceID, PlanID: e.PlanID, SessionID: e.SessionID}
}

func (e *Entry) clone() Entry {
	out := *e
	if e.InterruptDirective != nil {
		d := *e.InterruptDirective
		out.InterruptDirective = &d
	}
	if e.LastToolCall != nil {
		tc := *e.LastToolCall
		out.LastToolCall = &tc
	}
	out.InjectQueue = make([]InjectMessage, len(e.InjectQueue))
	copy(out.InjectQueue, e.InjectQueue)
	return out
}
