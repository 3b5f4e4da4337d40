package controller

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/servers"
	"github.com/go-i2p/hopguard/lib/testutil"
)

var (
	berlin = servers.Selection{ExitCountry: "de", ExitCity: "Berlin"}
	malmo  = servers.Selection{ExitCountry: "se", ExitCity: "Malmo"}
	// zurichViaMalmo enters in Malmo and exits in Zurich.
	zurichViaMalmo = servers.Selection{ExitCountry: "ch", ExitCity: "Zurich", EntryCountry: "se", EntryCity: "Malmo"}
)

func fixtureCatalog(t *testing.T) *servers.Catalog {
	t.Helper()
	c := servers.NewCatalog(servers.WithRand(rand.New(rand.NewPCG(7, 11))))
	_, err := c.Load(servers.FixtureJSON(
		servers.FixtureServer{Country: "de", City: "Berlin", Hostname: "de-ber-1", IPv4: "198.51.100.1"},
		servers.FixtureServer{Country: "de", City: "Berlin", Hostname: "de-ber-2", IPv4: "198.51.100.2"},
		servers.FixtureServer{Country: "se", City: "Malmo", Hostname: "se-mma-1", IPv4: "203.0.113.1", AlternatePort: 53},
		servers.FixtureServer{Country: "ch", City: "Zurich", Hostname: "ch-zrh-1", IPv4: "192.0.2.1"},
	))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c
}

// eventLog records every controller event.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(typ EventType) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) count(typ EventType) int {
	return len(l.ofType(typ))
}

func (l *eventLog) states() []State {
	var out []State
	for _, ev := range l.ofType(EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

type harness struct {
	t       *testing.T
	ctrl    *Controller
	backend *testutil.FakeBackend
	prober  *testutil.FakeProber
	clock   *testutil.FakeClock
	catalog *servers.Catalog
	events  *eventLog
}

type harnessConfig struct {
	backend *testutil.FakeBackend
	prober  *testutil.FakeProber
	opts    []Option
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	if hc.backend == nil {
		hc.backend = testutil.NewFakeBackend()
	}
	if hc.prober == nil {
		hc.prober = testutil.NewFakeProber(false)
	}
	h := &harness{
		t:       t,
		backend: hc.backend,
		prober:  hc.prober,
		clock:   testutil.NewFakeClock(time.Unix(1_700_000_000, 0)),
		catalog: fixtureCatalog(t),
		events:  &eventLog{},
	}

	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(h.clock),
		WithSelection(berlin),
		WithRetryPolicy(RetryPolicy{
			InitialDelay: time.Second,
			MaxDelay:     8 * time.Second,
			Multiplier:   2,
			MaxRetries:   4,
		}),
	}
	opts = append(opts, hc.opts...)

	ctrl, err := New(h.backend, h.catalog, h.prober, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.ctrl = ctrl
	ctrl.Subscribe(h.events.observe)

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})

	h.sync()
	return h
}

// sync waits until the mailbox has drained, including the closures the
// drained ones posted.
func (h *harness) sync() {
	for range 4 {
		h.ctrl.call(func() {})
	}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) emit(ev backend.Event) {
	h.backend.Emit(ev)
	h.sync()
}

func (h *harness) requireState(want State) {
	h.t.Helper()
	if got := h.ctrl.State(); got != want {
		h.t.Fatalf("expected state %s, got %s", want, got)
	}
}

func (h *harness) lastSubmission() testutil.Submission {
	h.t.Helper()
	s, ok := h.backend.LastSubmission()
	if !ok {
		h.t.Fatal("expected a hop submission")
	}
	return s
}

// confirmLast acknowledges the most recent hop submission.
func (h *harness) confirmLast() {
	h.backend.ConfirmHop(h.lastSubmission())
	h.sync()
}

// connect activates and confirms every hop.
func (h *harness) connect() {
	h.t.Helper()
	if !h.ctrl.Activate() {
		h.t.Fatal("Activate() returned false")
	}
	h.sync()
	for range 4 {
		if h.ctrl.State() == StateOn {
			return
		}
		h.confirmLast()
	}
	h.requireState(StateOn)
}

// disconnected acknowledges the most recent teardown.
func (h *harness) disconnected() {
	h.t.Helper()
	teardowns := h.backend.Teardowns()
	if len(teardowns) == 0 {
		h.t.Fatal("expected a teardown")
	}
	h.emit(backend.Event{Kind: backend.EventDisconnected, Generation: teardowns[len(teardowns)-1]})
}
