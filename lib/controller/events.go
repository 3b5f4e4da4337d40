package controller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/hopguard/lib/servers"
)

// EventType categorizes controller events.
type EventType int

const (
	// EventStateChanged is emitted on every state transition.
	EventStateChanged EventType = iota
	// EventTimeChanged is emitted every tick while connected.
	EventTimeChanged
	// EventRetryChanged is emitted when the retry counter changes.
	EventRetryChanged
	// EventHandshakeFailed names a server whose handshake timed out.
	EventHandshakeFailed
	// EventActivationBlockedForCaptivePortal is emitted instead of activating
	// while a captive portal is present.
	EventActivationBlockedForCaptivePortal
	// EventServerChanged is emitted when a new selection is committed.
	EventServerChanged
	// EventSilentSwitchDone is emitted when a silent switch completes.
	EventSilentSwitchDone
	// EventReadyToQuit is emitted once a deferred quit can proceed.
	EventReadyToQuit
	// EventReadyToUpdate is emitted once a deferred update can proceed.
	EventReadyToUpdate
	// EventReadyToBackendFailure is emitted once a backend failure can be surfaced.
	EventReadyToBackendFailure
	// EventReadyToServerUnavailable is emitted once a server-unavailable
	// condition can be surfaced.
	EventReadyToServerUnavailable
	// EventDisconnectInConfirmingChanged toggles whether a UI should offer
	// cancelling a slow confirmation. It turns on once Confirming has
	// lasted the configured delay and off when Confirming ends.
	EventDisconnectInConfirmingChanged
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventTimeChanged:
		return "time_changed"
	case EventRetryChanged:
		return "retry_changed"
	case EventHandshakeFailed:
		return "handshake_failed"
	case EventActivationBlockedForCaptivePortal:
		return "activation_blocked_for_captive_portal"
	case EventServerChanged:
		return "server_changed"
	case EventSilentSwitchDone:
		return "silent_switch_done"
	case EventReadyToQuit:
		return "ready_to_quit"
	case EventReadyToUpdate:
		return "ready_to_update"
	case EventReadyToBackendFailure:
		return "ready_to_backend_failure"
	case EventReadyToServerUnavailable:
		return "ready_to_server_unavailable"
	case EventDisconnectInConfirmingChanged:
		return "disconnect_in_confirming_changed"
	default:
		return "unknown"
	}
}

// Event is a controller notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// EventStateChanged
	State         State
	PreviousState State

	// EventTimeChanged
	Elapsed time.Duration

	// EventRetryChanged
	Retry int

	// EventHandshakeFailed
	ServerID string

	// EventServerChanged
	Selection         servers.Selection
	PreviousSelection servers.Selection

	// EventReadyToServerUnavailable
	PingReceived bool

	// EventDisconnectInConfirmingChanged
	Enabled bool
}

// Observer receives events synchronously on the controller goroutine. It
// must not call blocking Controller methods.
type Observer func(Event)

type observerList struct {
	mu     sync.Mutex
	nextID uint64
	list   []observerEntry
}

type observerEntry struct {
	id uint64
	fn Observer
}

func (o *observerList) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	id := o.nextID
	o.list = append(o.list, observerEntry{id: id, fn: fn})
	return func() { o.remove(id) }
}

func (o *observerList) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, e := range o.list {
		if e.id == id {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return
		}
	}
}

// dispatch calls every observer in subscription order.
func (o *observerList) dispatch(ev Event) {
	o.mu.Lock()
	list := o.list
	o.mu.Unlock()

	for _, e := range list {
		e.fn(ev)
	}
}

// EventChannel adapts the observer callback to a buffered channel for
// consumers on other goroutines. Events are dropped when the buffer is full.
type EventChannel struct {
	events  chan Event
	dropped atomic.Uint64
}

// NewEventChannel creates a channel adapter with the given buffer size.
func NewEventChannel(size int) *EventChannel {
	if size < 1 {
		size = 100
	}
	return &EventChannel{events: make(chan Event, size)}
}

// Observe is an Observer that never blocks.
func (e *EventChannel) Observe(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

// C returns the receive side of the channel.
func (e *EventChannel) C() <-chan Event {
	return e.events
}

// Dropped returns the number of events lost to a full buffer.
func (e *EventChannel) Dropped() uint64 {
	return e.dropped.Load()
}
