// Package testutil provides in-memory fakes of the tunnel backend, the
// reachability probe and the clock for controller and daemon tests.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/hop"
)

// Submission is one recorded SubmitHop call.
type Submission struct {
	Generation uint64
	Conn       hop.Connection
}

// FakeBackend records requests and lets the test emit backend events.
// Nothing is emitted unless the test calls Emit, except for Initialize,
// which emits InitEvent.
type FakeBackend struct {
	mu sync.Mutex

	// InitEvent is emitted by Initialize. Kind is forced to EventInitialized.
	InitEvent backend.Event
	// InitErr is returned by Initialize instead of emitting InitEvent.
	InitErr error
	// HoldInit keeps Initialize from emitting; the test emits later.
	HoldInit bool
	// SubmitErr, TeardownErr and StatusErr are returned by the matching request.
	SubmitErr   error
	TeardownErr error
	StatusErr   error

	emit        func(backend.Event)
	submissions []Submission
	teardowns   []uint64
	statuses    []uint64
	logs        []string
	closed      bool
}

// NewFakeBackend returns a backend that initializes successfully, disconnected.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{InitEvent: backend.Event{OK: true}}
}

// Initialize implements backend.Backend.
func (f *FakeBackend) Initialize(_ context.Context, emit func(backend.Event)) error {
	f.mu.Lock()
	f.emit = emit
	initErr, ev, hold := f.InitErr, f.InitEvent, f.HoldInit
	f.mu.Unlock()

	if initErr != nil {
		return initErr
	}
	if hold {
		return nil
	}
	ev.Kind = backend.EventInitialized
	emit(ev)
	return nil
}

// SubmitHop implements backend.Backend.
func (f *FakeBackend) SubmitHop(_ context.Context, generation uint64, conn hop.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		return f.SubmitErr
	}
	f.submissions = append(f.submissions, Submission{Generation: generation, Conn: conn})
	f.logs = append(f.logs, "submit "+conn.String())
	return nil
}

// Teardown implements backend.Backend.
func (f *FakeBackend) Teardown(_ context.Context, generation uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.TeardownErr != nil {
		return f.TeardownErr
	}
	f.teardowns = append(f.teardowns, generation)
	f.logs = append(f.logs, "teardown")
	return nil
}

// RequestStatus implements backend.Backend.
func (f *FakeBackend) RequestStatus(_ context.Context, generation uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		return f.StatusErr
	}
	f.statuses = append(f.statuses, generation)
	return nil
}

// Logs implements backend.Backend.
func (f *FakeBackend) Logs(cb func(string)) {
	f.mu.Lock()
	s := strings.Join(f.logs, "\n")
	f.mu.Unlock()
	cb(s)
}

// CleanupLogs implements backend.Backend.
func (f *FakeBackend) CleanupLogs() {
	f.mu.Lock()
	f.logs = nil
	f.mu.Unlock()
}

// Close implements backend.Backend.
func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("fake backend already closed")
	}
	f.closed = true
	return nil
}

// Emit delivers ev as if the backend raised it.
func (f *FakeBackend) Emit(ev backend.Event) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()

	if emit != nil {
		emit(ev)
	}
}

// ConfirmHop emits EventConnected for a recorded submission.
func (f *FakeBackend) ConfirmHop(s Submission) {
	f.Emit(backend.Event{Kind: backend.EventConnected, Generation: s.Generation, PublicKey: s.Conn.Server.PublicKey})
}

// Submissions returns the recorded SubmitHop calls.
func (f *FakeBackend) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// LastSubmission returns the most recent SubmitHop call.
func (f *FakeBackend) LastSubmission() (Submission, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submissions) == 0 {
		return Submission{}, false
	}
	return f.submissions[len(f.submissions)-1], true
}

// Teardowns returns the generations passed to Teardown.
func (f *FakeBackend) Teardowns() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.teardowns...)
}

// StatusRequests returns the generations passed to RequestStatus.
func (f *FakeBackend) StatusRequests() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.statuses...)
}

// Closed reports whether Close was called.
func (f *FakeBackend) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
