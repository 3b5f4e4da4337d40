// Package controller sequences a single- or multi-hop tunnel through
// activation, handshake confirmation, server switching and teardown.
//
// All controller state is owned by the goroutine running Run. Public
// methods, backend events, probe results and timer firings are posted to an
// unbounded FIFO mailbox and executed one at a time on that goroutine.
// Every activation attempt carries a generation; backend events and timer
// firings tagged with an older generation are discarded.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/go-i2p/hopguard/lib/backend"
	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/hop"
	"github.com/go-i2p/hopguard/lib/probe"
	"github.com/go-i2p/hopguard/lib/resilience"
	"github.com/go-i2p/hopguard/lib/servers"
)

// Catalog is the server source the controller picks hops from.
// *servers.Catalog implements it.
type Catalog interface {
	Exists(countryCode, city string) bool
	PickIfExists(countryCode, city string) (servers.Location, bool)
	PickRandom() (servers.Location, bool)
	PickByIPv4(addr netip.Addr) (servers.Location, bool)
	Chain(sel servers.Selection, excludeExit ...wgtypes.Key) ([]servers.Server, error)
	SetServerCooldown(key wgtypes.Key, d time.Duration)
	SetCooldownForAllServersInACity(countryCode, city string, d time.Duration)
	SetServerLatency(key wgtypes.Key, latency time.Duration)
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State State
	// Selection is the location the next activation targets.
	Selection servers.Selection
	// Connected is the location of the live tunnel, zero when there is none.
	Connected   servers.Selection
	Hops        []hop.Connection
	Retry       int
	ConnectedAt time.Time
	Pending     Action
	Portal      bool
	Generation  uint64
	AttemptID   string

	// DisconnectInConfirming is set once a confirmation has taken long
	// enough that a UI should offer to cancel it.
	DisconnectInConfirming bool
}

// Controller drives the tunnel backend.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	clock   Clock
	backend backend.Backend
	catalog Catalog
	prober  probe.Prober
	breaker *resilience.CircuitBreaker

	observers observerList

	mu      sync.Mutex
	mailbox []func()
	notify  chan struct{}
	done    chan struct{}
	started atomic.Bool

	// Everything below is owned by the Run goroutine.
	ctx context.Context

	state      State
	generation uint64
	attemptID  string
	retry      int
	deferred   deferred
	portal     bool

	selection servers.Selection
	current   servers.Selection
	chain     []hop.Connection

	target       servers.Selection
	excludeExit  []wgtypes.Key
	pending      []hop.Connection
	hops         []hop.Connection
	pingReceived bool
	silent       bool
	attemptStart time.Time
	connectedAt  time.Time

	disconnectInConfirming bool

	timerSeq    uint64
	connecting  timer
	handshake   timer
	retryDelay  timer
	tick        timer
	confirmHint timer

	statusSeq       uint64
	statusToken     uint64
	statusCallbacks []func(backend.Status)
}

// New creates a controller for b. prober may be nil, in which case every
// handshake failure is treated as an unreachable server.
func New(b backend.Backend, catalog Catalog, prober probe.Prober, opts ...Option) (*Controller, error) {
	if b == nil {
		return nil, fmt.Errorf("controller: backend is required: %w", apperrors.ErrInvalidInput)
	}
	if catalog == nil {
		return nil, fmt.Errorf("controller: catalog is required: %w", apperrors.ErrInvalidInput)
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()

	c := &Controller{
		cfg:       cfg,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		backend:   b,
		catalog:   catalog,
		prober:    prober,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		state:     StateInitializing,
		selection: cfg.Selection,
	}

	c.breaker = resilience.NewCircuitBreaker("backend", cfg.Breaker)
	c.breaker.SetStateChangeCallback(func(from, to resilience.CircuitState) {
		c.logger.Warn("backend circuit state changed", "from", from.String(), "to", to.String())
	})

	return c, nil
}

// Run initializes the backend and processes the mailbox until ctx is
// cancelled. It may only be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("controller: already running: %w", apperrors.ErrInvalidState)
	}
	defer close(c.done)

	c.ctx = ctx
	c.logger.Info("starting connection controller", "selection", c.selection.String())

	if err := c.backend.Initialize(ctx, c.onBackendEvent); err != nil {
		c.logger.Error("backend initialization failed", "error", err)
		c.post(func() {
			c.handleBackendEvent(backend.Event{Kind: backend.EventInitialized, OK: false})
		})
	}

	for {
		select {
		case <-ctx.Done():
			c.disarmAll()
			c.answerStatus(backend.Status{})
			c.logger.Info("connection controller stopped")
			return nil
		case <-c.notify:
			for fn := c.next(); fn != nil; fn = c.next() {
				fn()
			}
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) post(fn func()) {
	c.mu.Lock()
	c.mailbox = append(c.mailbox, fn)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) next() func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.mailbox) == 0 {
		return nil
	}
	fn := c.mailbox[0]
	c.mailbox[0] = nil
	c.mailbox = c.mailbox[1:]
	return fn
}

// call runs fn on the loop and waits for it. It reports false when the loop
// stopped first.
func (c *Controller) call(fn func()) bool {
	ran := make(chan struct{})
	c.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) onBackendEvent(ev backend.Event) {
	c.post(func() { c.handleBackendEvent(ev) })
}

// Subscribe registers an observer and returns a function that removes it.
// Observers run on the controller goroutine and must not call Activate,
// Deactivate or any other method that waits for the loop.
func (c *Controller) Subscribe(o Observer) (cancel func()) {
	return c.observers.add(o)
}

func (c *Controller) emit(ev Event) {
	ev.Timestamp = c.clock.Now()
	c.observers.dispatch(ev)
}

// Activate starts connecting to the current selection. It reports whether
// a completion event will follow.
func (c *Controller) Activate() bool {
	var ok bool
	c.call(func() { ok = c.activate() })
	return ok
}

// Deactivate tears the tunnel down. It reports false when there was nothing
// to tear down.
func (c *Controller) Deactivate() bool {
	var ok bool
	c.call(func() { ok = c.deactivate() })
	return ok
}

// ChangeServer selects a new location. A live tunnel switches to it; an
// attempt in flight restarts against it. It reports false for an unknown
// location.
func (c *Controller) ChangeServer(sel servers.Selection) bool {
	var ok bool
	c.call(func() { ok = c.changeServer(sel) })
	return ok
}

// SilentSwitch moves a live tunnel to another server of the same city.
func (c *Controller) SilentSwitch() bool {
	var ok bool
	c.call(func() { ok = c.silentSwitch() })
	return ok
}

// GetStatus passes a traffic snapshot to cb, on the controller goroutine.
// Concurrent requests share one backend query.
func (c *Controller) GetStatus(cb func(backend.Status)) {
	c.post(func() { c.getStatus(cb) })
}

// Status waits for a traffic snapshot.
func (c *Controller) Status(ctx context.Context) (backend.Status, error) {
	result := make(chan backend.Status, 1)
	c.GetStatus(func(st backend.Status) { result <- st })

	select {
	case st := <-result:
		return st, nil
	case <-ctx.Done():
		return backend.Status{}, ctx.Err()
	case <-c.done:
		return backend.Status{}, apperrors.ErrClosed
	}
}

// GetBackendLogs passes the backend log to cb.
func (c *Controller) GetBackendLogs(cb func(string)) {
	c.post(func() { c.backend.Logs(cb) })
}

// CleanupBackendLogs discards the backend log.
func (c *Controller) CleanupBackendLogs() {
	c.post(c.backend.CleanupLogs)
}

// CaptivePortalPresent blocks activation until CaptivePortalGone.
func (c *Controller) CaptivePortalPresent() {
	c.post(func() {
		if !c.portal {
			c.logger.Info("captive portal detected")
		}
		c.portal = true
	})
}

// CaptivePortalGone lifts the activation block.
func (c *Controller) CaptivePortalGone() {
	c.post(func() {
		if c.portal {
			c.logger.Info("captive portal gone")
		}
		c.portal = false
	})
}

// SetCooldownForAllServersInACity skips every server of a city for the
// configured cooldown.
func (c *Controller) SetCooldownForAllServersInACity(countryCode, city string) {
	c.post(func() {
		c.catalog.SetCooldownForAllServersInACity(countryCode, city, c.cfg.ServerCooldown)
	})
}

// ServerUnavailable reports that the selected location cannot be used.
func (c *Controller) ServerUnavailable(pingReceived bool) {
	c.post(func() { c.requestAction(ActionServerUnavailable, pingReceived) })
}

// BackendFailure reports an unrecoverable backend condition.
func (c *Controller) BackendFailure() {
	c.post(func() { c.requestAction(ActionBackendFailure, false) })
}

// UpdateRequired asks the controller to settle so an update can install.
func (c *Controller) UpdateRequired() {
	c.post(func() { c.requestAction(ActionUpdate, false) })
}

// Quit asks the controller to settle so the application can exit.
// EventReadyToQuit follows once the tunnel is off.
func (c *Controller) Quit() {
	c.post(func() { c.requestAction(ActionQuit, false) })
}

// State returns the current state.
func (c *Controller) State() State {
	s := StateInitializing
	c.call(func() { s = c.state })
	return s
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	c.call(func() {
		snap = Snapshot{
			State:       c.state,
			Selection:   c.selection,
			Connected:   c.current,
			Hops:        append([]hop.Connection(nil), c.chain...),
			Retry:       c.retry,
			ConnectedAt: c.connectedAt,
			Pending:     c.deferred.action,
			Portal:      c.portal,
			Generation:  c.generation,
			AttemptID:   c.attemptID,

			DisconnectInConfirming: c.disconnectInConfirming,
		}
	})
	return snap
}
