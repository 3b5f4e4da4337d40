package controller

import (
	"log/slog"
	"time"

	"github.com/go-i2p/hopguard/lib/hop"
	"github.com/go-i2p/hopguard/lib/resilience"
	"github.com/go-i2p/hopguard/lib/servers"
)

// Default timer values.
const (
	DefaultConnectingTimeout = 30 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultTickInterval      = time.Second
	DefaultServerCooldown    = 5 * time.Minute

	// DefaultDisconnectInConfirmingDelay is how long Confirming lasts
	// before EventDisconnectInConfirmingChanged enables cancelling.
	DefaultDisconnectInConfirmingDelay = 10 * time.Second
)

// RetryPolicy shapes the delay between failed activation attempts.
type RetryPolicy struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay.
	MaxDelay time.Duration
	// Multiplier grows the delay after each failure.
	Multiplier float64
	// JitterFraction randomizes the delay by up to ± this fraction.
	JitterFraction float64
	// MaxRetries is the number of consecutive failures after which the
	// server is reported unavailable.
	MaxRetries int
}

// DefaultRetryPolicy returns the retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		MaxRetries:     9,
	}
}

// Config configures a Controller.
// Fields with zero values use defaults.
type Config struct {
	// ConnectingTimeout bounds the Connecting state.
	ConnectingTimeout time.Duration
	// HandshakeTimeout bounds the Confirming and Switching states.
	HandshakeTimeout time.Duration
	// TickInterval is the elapsed-time notification period while On.
	TickInterval time.Duration
	// ServerCooldown is how long a failing server is skipped.
	ServerCooldown time.Duration
	// DisconnectInConfirmingDelay is how long Confirming lasts before a
	// UI is told to offer cancelling the attempt.
	DisconnectInConfirmingDelay time.Duration

	Retry RetryPolicy

	// Settings feed the hop builder on every attempt.
	Settings hop.Settings
	// Selection is the initial server selection.
	Selection servers.Selection

	// Breaker guards backend submissions.
	Breaker resilience.CircuitBreakerConfig

	// Logger for controller operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock is the time source.
	// Default: the wall clock
	Clock Clock
}

// Option is a functional option for configuring a Controller.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Config) {
		c.Retry = p
	}
}

// WithTimeouts sets the connecting and handshake timeouts.
func WithTimeouts(connecting, handshake time.Duration) Option {
	return func(c *Config) {
		c.ConnectingTimeout = connecting
		c.HandshakeTimeout = handshake
	}
}

// WithTickInterval sets the elapsed-time notification period.
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) {
		c.TickInterval = d
	}
}

// WithServerCooldown sets how long failing servers are skipped.
func WithServerCooldown(d time.Duration) Option {
	return func(c *Config) {
		c.ServerCooldown = d
	}
}

// WithDisconnectInConfirmingDelay sets how long Confirming lasts before
// cancelling is offered.
func WithDisconnectInConfirmingDelay(d time.Duration) Option {
	return func(c *Config) {
		c.DisconnectInConfirmingDelay = d
	}
}

// WithSettings sets the hop builder settings.
func WithSettings(s hop.Settings) Option {
	return func(c *Config) {
		c.Settings = s
	}
}

// WithSelection sets the initial server selection.
func WithSelection(sel servers.Selection) Option {
	return func(c *Config) {
		c.Selection = sel
	}
}

// WithBreaker sets the backend circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Config) {
		c.Breaker = cfg
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ConnectingTimeout <= 0 {
		c.ConnectingTimeout = DefaultConnectingTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ServerCooldown <= 0 {
		c.ServerCooldown = DefaultServerCooldown
	}
	if c.DisconnectInConfirmingDelay <= 0 {
		c.DisconnectInConfirmingDelay = DefaultDisconnectInConfirmingDelay
	}

	def := DefaultRetryPolicy()
	if c.Retry == (RetryPolicy{}) {
		c.Retry = def
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = def.InitialDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = def.Multiplier
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		c.Retry.JitterFraction = def.JitterFraction
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = def.MaxRetries
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Breaker.Now == nil {
		clock := c.Clock
		c.Breaker.Now = clock.Now
	}
}
