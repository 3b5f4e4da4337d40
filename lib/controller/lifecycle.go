package controller

import (
	"net/netip"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/hop"
	"github.com/go-i2p/hopguard/lib/metrics"
	"github.com/go-i2p/hopguard/lib/probe"
	"github.com/go-i2p/hopguard/lib/servers"
)

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s

	c.logger.Info("connection state changed", "from", prev.String(), "to", s.String(), "generation", c.generation)
	metrics.ConnectionState.Set(s.String())

	if prev == StateOn {
		c.disarm(&c.tick)
	}
	if prev == StateConfirming {
		c.disarm(&c.confirmHint)
		c.setDisconnectInConfirming(false)
	}
	c.emit(Event{Type: EventStateChanged, State: s, PreviousState: prev})

	switch s {
	case StateConfirming:
		c.arm(&c.confirmHint, c.cfg.DisconnectInConfirmingDelay, func() {
			if c.state == StateConfirming {
				c.setDisconnectInConfirming(true)
			}
		})
	case StateOn:
		c.startTicker()
		if c.deferred.action != ActionNone {
			c.logger.Info("deactivating for pending action", "action", c.deferred.action.String())
			c.deactivate()
		}
	case StateOff:
		c.chain = nil
		c.current = servers.Selection{}
		c.connectedAt = time.Time{}
		c.runDeferred()
	}
}

func (c *Controller) setDisconnectInConfirming(enabled bool) {
	if c.disconnectInConfirming == enabled {
		return
	}
	c.disconnectInConfirming = enabled
	c.emit(Event{Type: EventDisconnectInConfirmingChanged, Enabled: enabled})
}

func (c *Controller) setRetry(n int) {
	if c.retry == n {
		return
	}
	c.retry = n
	metrics.RetryCount.Set(int64(n))
	c.emit(Event{Type: EventRetryChanged, Retry: n})
}

func (c *Controller) activate() bool {
	if c.state != StateOff {
		c.logger.Debug("activate ignored", "state", c.state.String())
		return false
	}
	if c.portal {
		c.logger.Info("activation blocked by captive portal")
		metrics.CaptivePortalBlocks.Inc()
		c.emit(Event{Type: EventActivationBlockedForCaptivePortal})
		return false
	}

	c.setRetry(0)
	c.resolveSelection()
	if err := c.beginAttempt(StateConnecting, c.selection); err != nil {
		c.logger.Warn("activation failed", "selection", c.selection.String(), "error", err)
		c.deferred.offer(ActionServerUnavailable, false)
		c.runDeferred()
		return false
	}
	metrics.ActivationsTotal.Inc()
	return true
}

// resolveSelection replaces a selection the catalog cannot serve. An unknown
// entry is dropped; an empty or unknown exit is replaced by a random city.
func (c *Controller) resolveSelection() {
	sel := c.selection
	if sel.IsMultihop() {
		if _, ok := c.catalog.PickIfExists(sel.EntryCountry, sel.EntryCity); !ok {
			sel.EntryCountry, sel.EntryCity = "", ""
		}
	}
	if _, ok := c.catalog.PickIfExists(sel.ExitCountry, sel.ExitCity); !ok {
		loc, ok := c.catalog.PickRandom()
		if !ok {
			return
		}
		sel = servers.Selection{ExitCountry: loc.CountryCode, ExitCity: loc.CityName}
	}
	if sel == c.selection {
		return
	}

	prev := c.selection
	c.selection = sel
	c.logger.Info("selection not in catalog, picked another", "from", prev.String(), "to", sel.String())
	c.emit(Event{Type: EventServerChanged, Selection: sel, PreviousSelection: prev})
}

// beginAttempt builds the hop queue for sel and starts submitting it. On
// error nothing changed and the previous attempt, if any, is still current.
func (c *Controller) beginAttempt(target State, sel servers.Selection, excludeExit ...wgtypes.Key) error {
	chain, err := c.catalog.Chain(sel, excludeExit...)
	if err != nil {
		return err
	}
	settings := c.cfg.Settings
	settings.UseAlternatePort = c.retry%2 == 1
	conns, err := hop.BuildChain(chain, settings)
	if err != nil {
		return err
	}

	c.disarmAttempt()
	c.generation++
	c.attemptID = uuid.NewString()
	c.target = sel
	c.excludeExit = excludeExit
	c.pending = conns
	c.hops = slices.Clone(conns)
	c.pingReceived = false
	c.silent = false
	c.attemptStart = c.clock.Now()

	c.logger.Info("starting activation attempt",
		"attempt", c.attemptID,
		"generation", c.generation,
		"target", sel.String(),
		"hops", len(conns),
		"retry", c.retry)

	c.setState(target)
	c.arm(&c.connecting, c.cfg.ConnectingTimeout, func() {
		c.logger.Warn("connecting timed out", "attempt", c.attemptID)
		c.attemptFailed(false)
	})
	c.activateNext()
	return nil
}

// activateNext submits the head of the hop queue. Intermediate hops wait
// for their handshake before the next one is submitted.
func (c *Controller) activateNext() {
	if len(c.hops) == 0 {
		return
	}
	if !c.breaker.Allow() {
		c.logger.Error("backend circuit open, giving up")
		c.requestAction(ActionBackendFailure, false)
		return
	}

	next := c.hops[0]
	if err := c.backend.SubmitHop(c.ctx, c.generation, next); err != nil {
		c.logger.Warn("hop submission failed", "hop", next.String(), "error", err)
		c.backendFailed(err)
		return
	}
	metrics.HopsSubmitted.Inc()
	c.logger.Debug("hop submitted", "hop", next.String(), "generation", c.generation)

	if !next.Exit {
		return
	}

	c.disarm(&c.connecting)
	if c.state == StateConnecting {
		c.setState(StateConfirming)
	}
	c.arm(&c.handshake, c.cfg.HandshakeTimeout, func() {
		c.logger.Warn("handshake timed out", "attempt", c.attemptID, "server", next.Server.ID())
		c.attemptFailed(true)
	})
	c.startProbe()
}

// startProbe checks whether the exit server answers outside the tunnel. A
// measured round trip is recorded as the server's latency.
func (c *Controller) startProbe() {
	if c.prober == nil || len(c.pending) == 0 {
		return
	}
	gen := c.generation
	exit := c.pending[len(c.pending)-1]
	target := exit.Endpoint.Addr()
	c.prober.Probe(c.ctx, target, func(r probe.Result) {
		c.post(func() {
			if r.Received && r.RTT > 0 {
				c.catalog.SetServerLatency(exit.Server.PublicKey, r.RTT)
			}
			if c.generation != gen {
				return
			}
			c.logger.Debug("reachability probe finished", "target", target.String(), "received", r.Received, "rtt", r.RTT)
			c.pingReceived = r.Received
		})
	})
}

func (c *Controller) confirmed() {
	c.disarmAttempt()

	switching := c.state == StateSwitching
	prev := c.current
	c.current = c.target
	c.chain = c.pending
	c.pending = nil
	c.hops = nil

	c.setRetry(0)
	c.breaker.RecordSuccess()

	now := c.clock.Now()
	if !switching || c.connectedAt.IsZero() {
		c.connectedAt = now
	}
	metrics.TimeToConnect.ObserveDuration(now.Sub(c.attemptStart))

	if switching {
		metrics.ServerSwitches.Inc()
		if c.silent {
			c.emit(Event{Type: EventSilentSwitchDone, Selection: c.current, PreviousSelection: prev})
		} else {
			c.emit(Event{Type: EventServerChanged, Selection: c.current, PreviousSelection: prev})
		}
	}
	c.silent = false
	c.setState(StateOn)
}

// attemptFailed handles an attempt that did not confirm in time.
func (c *Controller) attemptFailed(handshake bool) {
	if !c.state.attempting() || len(c.pending) == 0 {
		return
	}
	c.disarmAttempt()

	failing := c.pending[len(c.pending)-1].Server
	if handshake {
		metrics.HandshakesFailed.Inc()
		c.emit(Event{Type: EventHandshakeFailed, ServerID: failing.ID()})
	}
	c.catalog.SetServerCooldown(failing.PublicKey, c.cfg.ServerCooldown)
	c.setRetry(c.retry + 1)

	switch {
	case c.deferred.action != ActionNone:
		c.deactivate()
	case c.pingReceived || c.retry >= c.cfg.Retry.MaxRetries:
		c.logger.Warn("server unavailable",
			"target", c.target.String(),
			"retry", c.retry,
			"ping_received", c.pingReceived)
		c.catalog.SetCooldownForAllServersInACity(c.target.ExitCountry, c.target.ExitCity, c.cfg.ServerCooldown)
		c.giveUp(c.pingReceived)
	default:
		// A live tunnel keeps serving traffic while a switch is retried.
		next := StateConnecting
		if c.state == StateSwitching && len(c.chain) > 0 {
			next = StateSwitching
		}
		silent, exclude := c.silent, c.excludeExit
		c.generation++
		c.hops = nil
		c.setState(next)

		delay := c.cfg.Retry.Backoff(c.retry)
		c.logger.Info("scheduling activation retry", "retry", c.retry, "delay", delay, "state", next.String())
		c.arm(&c.retryDelay, delay, func() {
			if err := c.beginAttempt(next, c.target, exclude...); err != nil {
				c.logger.Warn("retry failed", "target", c.target.String(), "error", err)
				c.giveUp(false)
				return
			}
			c.silent = silent
		})
	}
}

// giveUp abandons the attempt and reports the server unavailable once off.
func (c *Controller) giveUp(pingReceived bool) {
	c.deferred.offer(ActionServerUnavailable, pingReceived)
	c.deactivate()
}

// backendFailed handles a failed backend request.
func (c *Controller) backendFailed(err error) {
	if c.breaker.RecordFailure() {
		c.logger.Error("backend keeps failing", "error", err)
		c.requestAction(ActionBackendFailure, false)
		return
	}
	switch {
	case c.state.attempting():
		c.attemptFailed(false)
	case c.state == StateDisconnecting:
		c.setState(StateOff)
	}
}

func (c *Controller) deactivate() bool {
	switch c.state {
	case StateOff, StateDisconnecting:
		return false
	case StateInitializing:
		c.deferred.offer(ActionDisconnect, false)
		return false
	}

	c.generation++
	gen := c.generation
	c.hops = nil
	c.pending = nil
	c.disarmAll()
	c.answerStatus(backend.Status{})
	metrics.DeactivationsTotal.Inc()

	c.setState(StateDisconnecting)
	if err := c.backend.Teardown(c.ctx, gen); err != nil {
		c.logger.Warn("teardown failed", "error", err)
		c.setState(StateOff)
	}
	return true
}

func (c *Controller) changeServer(sel servers.Selection) bool {
	if !c.validSelection(sel) {
		c.logger.Warn("unknown location, selection unchanged", "selection", sel.String())
		return false
	}

	prev := c.selection
	c.selection = sel
	c.setRetry(0)

	switch c.state {
	case StateOn, StateSwitching:
		if err := c.beginAttempt(StateSwitching, sel); err != nil {
			c.logger.Warn("server switch failed", "selection", sel.String(), "error", err)
			return false
		}
	case StateConnecting, StateConfirming:
		c.emit(Event{Type: EventServerChanged, Selection: sel, PreviousSelection: prev})
		if err := c.beginAttempt(StateConnecting, sel); err != nil {
			c.logger.Warn("restarting activation failed", "selection", sel.String(), "error", err)
			return false
		}
	default:
		c.emit(Event{Type: EventServerChanged, Selection: sel, PreviousSelection: prev})
	}
	return true
}

func (c *Controller) validSelection(sel servers.Selection) bool {
	if sel.IsZero() || !c.catalog.Exists(sel.ExitCountry, sel.ExitCity) {
		return false
	}
	return !sel.IsMultihop() || c.catalog.Exists(sel.EntryCountry, sel.EntryCity)
}

func (c *Controller) silentSwitch() bool {
	if c.state != StateOn || len(c.chain) == 0 {
		return false
	}
	exit := c.chain[len(c.chain)-1].Server.PublicKey
	if err := c.beginAttempt(StateSwitching, c.current, exit); err != nil {
		c.logger.Debug("no server to silently switch to", "selection", c.current.String(), "error", err)
		return false
	}
	c.silent = true
	return true
}

func (c *Controller) requestAction(a Action, pingReceived bool) {
	if !c.deferred.offer(a, pingReceived) {
		c.logger.Debug("action superseded", "action", a.String(), "pending", c.deferred.action.String())
	}

	switch {
	case c.state == StateOff:
		c.runDeferred()
	case c.state == StateOn:
		c.deactivate()
	case c.state.attempting() && a.cancelsAttempt():
		c.deactivate()
	}
}

// runDeferred executes and clears the pending action. Only called in Off.
func (c *Controller) runDeferred() {
	d := c.deferred.take()
	if d.action == ActionNone {
		return
	}
	c.logger.Info("running deferred action", "action", d.action.String())

	switch d.action {
	case ActionQuit:
		c.emit(Event{Type: EventReadyToQuit})
	case ActionUpdate:
		c.emit(Event{Type: EventReadyToUpdate})
	case ActionBackendFailure:
		metrics.BackendFailures.Inc()
		c.emit(Event{Type: EventReadyToBackendFailure})
	case ActionServerUnavailable:
		metrics.ServerUnavailable.Inc()
		c.emit(Event{Type: EventReadyToServerUnavailable, PingReceived: d.pingReceived})
	}
}

func (c *Controller) handleBackendEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventInitialized:
		c.initialized(ev)

	case backend.EventConnected:
		if ev.Generation != c.generation || !c.state.attempting() || len(c.hops) == 0 {
			c.logger.Debug("stale connected event", "generation", ev.Generation, "current", c.generation)
			return
		}
		head := c.hops[0]
		if head.Server.PublicKey != ev.PublicKey {
			c.logger.Debug("connected event for another hop", "hop", head.String())
			return
		}
		c.hops = c.hops[1:]
		if !head.Exit {
			c.activateNext()
			return
		}
		c.confirmed()

	case backend.EventDisconnected:
		switch {
		case c.state == StateDisconnecting && (ev.Generation == c.generation || ev.Generation == 0):
			c.setState(StateOff)
		case ev.Generation == 0 && (c.state == StateOn || c.state.attempting()):
			c.logger.Warn("tunnel dropped by backend", "state", c.state.String())
			c.generation++
			c.hops = nil
			c.pending = nil
			c.disarmAll()
			c.answerStatus(backend.Status{})
			c.setState(StateOff)
		}

	case backend.EventStatus:
		c.statusAnswered(ev.Generation, ev.Status)

	case backend.EventError:
		if ev.Request == backend.RequestStatus {
			c.logger.Debug("status query failed", "error", ev.Err)
			c.statusAnswered(ev.Generation, backend.Status{})
			return
		}
		if ev.Generation != c.generation {
			c.logger.Debug("stale backend error", "request", ev.Request.String(), "error", ev.Err)
			return
		}
		c.logger.Warn("backend request failed", "request", ev.Request.String(), "error", ev.Err)
		c.backendFailed(ev.Err)
	}
}

func (c *Controller) initialized(ev backend.Event) {
	if c.state != StateInitializing {
		return
	}
	if !ev.OK {
		c.deferred.offer(ActionBackendFailure, false)
		c.setState(StateOff)
		return
	}
	if ev.WasConnected {
		c.current = c.restoredSelection(ev.ServerIPv4)
		c.connectedAt = ev.ConnectedSince
		if c.connectedAt.IsZero() {
			c.connectedAt = c.clock.Now()
		}
		c.setState(StateOn)
		return
	}
	c.setState(StateOff)
}

// restoredSelection names the location of a tunnel that survived a restart.
// addr is the server the backend reported; when it belongs to neither end
// of the configured selection, that server's city becomes the selection.
func (c *Controller) restoredSelection(addr netip.Addr) servers.Selection {
	if !addr.IsValid() {
		return c.selection
	}
	loc, ok := c.catalog.PickByIPv4(addr)
	if !ok {
		c.logger.Debug("restored server not in catalog", "server", addr.String())
		return c.selection
	}
	if c.onSide(loc, c.selection.ExitCountry, c.selection.ExitCity) ||
		c.onSide(loc, c.selection.EntryCountry, c.selection.EntryCity) {
		return c.selection
	}

	sel := servers.Selection{ExitCountry: loc.CountryCode, ExitCity: loc.CityName}
	c.logger.Info("restored tunnel serves another location", "selection", c.selection.String(), "connected", sel.String())
	c.selection = sel
	return sel
}

// onSide reports whether loc is the city named by countryCode and city.
func (c *Controller) onSide(loc servers.Location, countryCode, city string) bool {
	found, ok := c.catalog.PickIfExists(countryCode, city)
	return ok && found == loc
}
