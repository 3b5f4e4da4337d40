// Package backend defines the tunnel backend contract consumed by the
// connection controller, and a userspace WireGuard implementation of it.
//
// The controller never waits on the tunnel: every request returns as soon as
// it is accepted, and its outcome arrives later as an Event on the emit
// callback passed to Initialize. Events carry the generation of the request
// that caused them so the controller can drop answers to superseded attempts.
package backend

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/go-i2p/hopguard/lib/hop"
)

// EventKind identifies the type of a backend event.
type EventKind int

const (
	// EventInitialized reports the outcome of Initialize.
	EventInitialized EventKind = iota
	// EventConnected reports a completed handshake with a hop.
	EventConnected
	// EventDisconnected reports that the tunnel is down.
	EventDisconnected
	// EventStatus answers RequestStatus.
	EventStatus
	// EventError reports an asynchronous failure applying a request.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInitialized:
		return "initialized"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Request identifies the request an EventError answers.
type Request int

const (
	RequestSubmitHop Request = iota + 1
	RequestTeardown
	RequestStatus
)

func (r Request) String() string {
	switch r {
	case RequestSubmitHop:
		return "submit-hop"
	case RequestTeardown:
		return "teardown"
	case RequestStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from the backend. Generation is the
// value passed with the request that produced the event, or zero for events
// the backend raised on its own.
type Event struct {
	Kind       EventKind
	Generation uint64

	// EventInitialized. ServerIPv4 is the entry address of a tunnel that
	// survived, when the backend knows it.
	OK             bool
	WasConnected   bool
	ConnectedSince time.Time
	ServerIPv4     netip.Addr

	// EventConnected
	PublicKey wgtypes.Key

	// EventStatus
	Status Status

	// EventError
	Request Request
	Err     error
}

// Status is a traffic snapshot of the active tunnel.
type Status struct {
	Gateway       netip.Addr
	DeviceAddress netip.Addr
	TxBytes       uint64
	RxBytes       uint64
}

// Backend is the tunnel implementation driven by the controller. Methods
// must not block on network activity.
type Backend interface {
	// Initialize prepares the backend and emits EventInitialized. emit is
	// retained and used for every later event.
	Initialize(ctx context.Context, emit func(Event)) error
	// SubmitHop installs one hop. EventConnected follows once its
	// handshake completes.
	SubmitHop(ctx context.Context, generation uint64, conn hop.Connection) error
	// Teardown removes every hop. EventDisconnected follows.
	Teardown(ctx context.Context, generation uint64) error
	// RequestStatus asks for a traffic snapshot. EventStatus follows.
	RequestStatus(ctx context.Context, generation uint64) error
	// Logs passes the buffered backend log to cb.
	Logs(cb func(string))
	// CleanupLogs discards the buffered backend log.
	CleanupLogs()
	// Close releases the backend.
	Close() error
}
