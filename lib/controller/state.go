package controller

// State is the externally visible connection state.
type State int

const (
	// StateInitializing waits for the backend to report readiness.
	StateInitializing State = iota
	// StateOff has no tunnel.
	StateOff
	// StateConnecting is submitting hops to the backend.
	StateConnecting
	// StateConfirming has every hop submitted and waits for the exit handshake.
	StateConfirming
	// StateOn has a confirmed tunnel.
	StateOn
	// StateDisconnecting waits for the backend to finish teardown.
	StateDisconnecting
	// StateSwitching moves a live tunnel to another server.
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOff:
		return "off"
	case StateConnecting:
		return "connecting"
	case StateConfirming:
		return "confirming"
	case StateOn:
		return "on"
	case StateDisconnecting:
		return "disconnecting"
	case StateSwitching:
		return "switching"
	default:
		return "unknown"
	}
}

// Stable reports whether s is a resting state. Deferred actions only run
// from stable states.
func (s State) Stable() bool {
	return s == StateOff || s == StateOn
}

// attempting reports whether an activation attempt is in flight.
func (s State) attempting() bool {
	return s == StateConnecting || s == StateConfirming || s == StateSwitching
}
