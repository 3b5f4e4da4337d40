package controller

// Action is a request that has to wait until the controller settles.
type Action int

const (
	ActionNone Action = iota
	ActionQuit
	ActionUpdate
	ActionDisconnect
	ActionBackendFailure
	ActionServerUnavailable
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionQuit:
		return "quit"
	case ActionUpdate:
		return "update"
	case ActionDisconnect:
		return "disconnect"
	case ActionBackendFailure:
		return "backend-failure"
	case ActionServerUnavailable:
		return "server-unavailable"
	default:
		return "unknown"
	}
}

// priority orders pending actions: Quit > BackendFailure >
// ServerUnavailable > Disconnect > Update.
func (a Action) priority() int {
	switch a {
	case ActionQuit:
		return 5
	case ActionBackendFailure:
		return 4
	case ActionServerUnavailable:
		return 3
	case ActionDisconnect:
		return 2
	case ActionUpdate:
		return 1
	default:
		return 0
	}
}

// cancelsAttempt reports whether a requests aborts an in-flight activation
// instead of waiting for it to settle.
func (a Action) cancelsAttempt() bool {
	return a == ActionQuit || a == ActionBackendFailure
}

// deferred is the single pending action slot.
type deferred struct {
	action Action
	// pingReceived qualifies ActionServerUnavailable.
	pingReceived bool
}

// offer records a if it outranks the pending action and reports whether it did.
func (d *deferred) offer(a Action, pingReceived bool) bool {
	if a.priority() <= d.action.priority() {
		return false
	}
	d.action = a
	d.pingReceived = pingReceived
	return true
}

// take returns the pending action and clears the slot.
func (d *deferred) take() deferred {
	out := *d
	*d = deferred{}
	return out
}
