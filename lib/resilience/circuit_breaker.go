package resilience

import (
	"context"
	"sync"
	"time"
)

// State transitions:
//
//	Closed -> Open (FailureThreshold consecutive failures)
//	Open -> HalfOpen (after Timeout)
//	HalfOpen -> Closed (SuccessThreshold successes) or Open (any failure)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed passes requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests.
	CircuitOpen
	// CircuitHalfOpen lets a trial request through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a trial request.
	Timeout time.Duration
	// Now is the time source, time.Now when nil.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the defaults used for the tunnel backend.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker counts consecutive failures of an operation.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	name   string

	state        CircuitState
	failureCount int
	successCount int
	openedAt     time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker, filling unset fields of cfg
// with defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	circuitState.Set(CircuitClosed.String())
	return &CircuitBreaker{config: cfg, name: name, state: CircuitClosed}
}

// SetStateChangeCallback sets a callback invoked on every transition. It is
// called with the breaker lock released.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.config.Now().Sub(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var notify func()
	allowed := true
	switch cb.state {
	case CircuitOpen:
		if cb.config.Now().Sub(cb.openedAt) >= cb.config.Timeout {
			notify = cb.transitionLocked(CircuitHalfOpen)
		} else {
			allowed = false
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	if !allowed {
		circuitRejections.Inc()
	}
	return allowed
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var notify func()
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(CircuitClosed)
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// RecordFailure records a failed operation and reports whether the circuit
// is now open.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	var notify func()
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		notify = cb.transitionLocked(CircuitOpen)
	case CircuitOpen:
		cb.openedAt = cb.config.Now()
	}
	open := cb.state == CircuitOpen
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return open
}

// Reset closes the circuit and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(CircuitClosed)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Execute runs fn when the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// transitionLocked switches state and returns the callback to run once the
// lock is released, or nil when nothing changed.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	cb.failureCount = 0
	cb.successCount = 0
	if to == CircuitOpen {
		cb.openedAt = cb.config.Now()
	}
	if from == to {
		return nil
	}
	cb.state = to
	circuitState.Set(to.String())
	if to == CircuitOpen {
		circuitTrips.Inc()
	}

	log.WithField("circuit", cb.name).WithField("from", from.String()).WithField("to", to.String()).Debug("circuit state change")

	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}
