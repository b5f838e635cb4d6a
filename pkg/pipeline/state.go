package pipeline

// State is a step of the per-request state machine.
type State int

const (
	StateReceived State = iota
	StateThrottled
	StateAuthenticating
	StateAuthFailed
	StateAuthenticated
	StateCreditChecking
	StateInsufficientCredit
	StateCreditOK
	StateGenerating
	StateGenerationFailed
	StateGenerated
	StatePersistFailed
	StatePersisted
	StateUpstreamFailed
	StateWebhookNotified // delivered or failed (sync), dispatched (async)
	StateDone
)

var stateNames = [...]string{
	StateReceived:           "received",
	StateThrottled:          "throttled",
	StateAuthenticating:     "authenticating",
	StateAuthFailed:         "auth_failed",
	StateAuthenticated:      "authenticated",
	StateCreditChecking:     "credit_checking",
	StateInsufficientCredit: "insufficient_credit",
	StateCreditOK:           "credit_ok",
	StateGenerating:         "generating",
	StateGenerationFailed:   "generation_failed",
	StateGenerated:          "generated",
	StatePersistFailed:      "persist_failed",
	StatePersisted:          "persisted",
	StateUpstreamFailed:     "upstream_failed",
	StateWebhookNotified:    "webhook_notified",
	StateDone:               "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateThrottled, StateAuthFailed, StateInsufficientCredit, StateGenerationFailed,
		StatePersistFailed, StateUpstreamFailed, StateDone:
		return true
	}
	return false
}

// transitions lists the legal successors of every non-terminal state.
var transitions = map[State][]State{
	StateReceived:        {StateThrottled, StateAuthenticating},
	StateAuthenticating:  {StateAuthFailed, StateUpstreamFailed, StateAuthenticated},
	StateAuthenticated:   {StateCreditChecking},
	StateCreditChecking:  {StateInsufficientCredit, StateUpstreamFailed, StateCreditOK},
	StateCreditOK:        {StateGenerating},
	StateGenerating:      {StateGenerationFailed, StateGenerated},
	StateGenerated:       {StatePersistFailed, StatePersisted},
	StatePersisted:       {StateWebhookNotified},
	StateWebhookNotified: {StateDone},
}

// CanTransition reports whether to may directly follow from.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
