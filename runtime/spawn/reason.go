package spawn

// ReasonCode reports the outcome of an admission, release or cancel call.
// Values equal their symbolic names and the set is closed.
type ReasonCode string

const (
	// ReasonAccepted reports a new run was admitted into an empty lane.
	ReasonAccepted ReasonCode = "SPAWN_ACCEPTED"
	// ReasonRejectActiveLane reports the lane is occupied by a different request.
	ReasonRejectActiveLane ReasonCode = "SPAWN_REJECT_ACTIVE_LANE"
	// ReasonRejectDuplicateDebounce reports a repeat of the admitted request
	// within the debounce window.
	ReasonRejectDuplicateDebounce ReasonCode = "SPAWN_REJECT_DUPLICATE_DEBOUNCE"
	// ReasonQueuedOptional reports the request took the lane's single queue slot.
	ReasonQueuedOptional ReasonCode = "SPAWN_QUEUED_OPTIONAL"
	// ReasonCancelledToken is the default MarkCancelled reason.
	ReasonCancelledToken ReasonCode = "SPAWN_CANCELLED_TOKEN"
	// ReasonReleaseComplete is the default Release reason.
	ReasonReleaseComplete ReasonCode = "SPAWN_RELEASE_COMPLETE"
	// ReasonReleaseHandoff reports the lane was released to hand off to a
	// queued successor.
	ReasonReleaseHandoff ReasonCode = "SPAWN_RELEASE_HANDOFF"
	// ReasonReleaseErrorPath reports the lane was released after a failure.
	ReasonReleaseErrorPath ReasonCode = "SPAWN_RELEASE_ERROR_PATH"
	// ReasonStaleRecovery reports a stale run was evicted from the lane.
	ReasonStaleRecovery ReasonCode = "SPAWN_STALE_RECOVERY"
)

var reasonCodes = []ReasonCode{
	ReasonAccepted,
	ReasonRejectActiveLane,
	ReasonRejectDuplicateDebounce,
	ReasonQueuedOptional,
	ReasonCancelledToken,
	ReasonReleaseComplete,
	ReasonReleaseHandoff,
	ReasonReleaseErrorPath,
	ReasonStaleRecovery,
}

// ReasonCodes returns every defined reason code.
func ReasonCodes() []ReasonCode {
	out := make([]ReasonCode, len(reasonCodes))
	copy(out, reasonCodes)
	return out
}

// Valid reports whether c is one of the defined reason codes.
func (c ReasonCode) Valid() bool {
	for _, rc := range reasonCodes {
		if rc == c {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (c ReasonCode) String() string { return string(c) }
