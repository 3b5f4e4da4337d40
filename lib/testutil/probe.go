package testutil

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/go-i2p/hopguard/lib/probe"
)

// FakeProber answers every probe synchronously with the configured result.
type FakeProber struct {
	mu       sync.Mutex
	received bool
	rtt      time.Duration
	targets  []netip.Addr
}

// NewFakeProber returns a prober answering received.
func NewFakeProber(received bool) *FakeProber {
	return &FakeProber{received: received}
}

// SetReceived changes the answer for later probes.
func (p *FakeProber) SetReceived(received bool) {
	p.mu.Lock()
	p.received = received
	p.mu.Unlock()
}

// SetRTT sets the round-trip time reported with a received answer.
func (p *FakeProber) SetRTT(d time.Duration) {
	p.mu.Lock()
	p.rtt = d
	p.mu.Unlock()
}

// Probe implements probe.Prober.
func (p *FakeProber) Probe(_ context.Context, target netip.Addr, done func(probe.Result)) {
	p.mu.Lock()
	p.targets = append(p.targets, target)
	r := probe.Result{Received: p.received}
	if r.Received {
		r.RTT = p.rtt
	}
	p.mu.Unlock()

	done(r)
}

// Targets returns the probed addresses in order.
func (p *FakeProber) Targets() []netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]netip.Addr(nil), p.targets...)
}
