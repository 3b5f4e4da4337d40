package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/controller"
	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/identity"
	"github.com/go-i2p/hopguard/lib/metrics"
	"github.com/go-i2p/hopguard/lib/probe"
	"github.com/go-i2p/hopguard/lib/rpc"
	"github.com/go-i2p/hopguard/lib/servers"
	"github.com/go-i2p/hopguard/version"
)

// metricsShutdownTimeout bounds the graceful shutdown of the metrics server.
const metricsShutdownTimeout = 5 * time.Second

// DaemonState represents the current state of the daemon.
type DaemonState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial DaemonState = iota
	// StateStarting means the daemon is in the process of starting.
	StateStarting
	// StateRunning means the daemon is fully operational.
	StateRunning
	// StateStopping means the daemon is shutting down.
	StateStopping
	// StateStopped means the daemon has been stopped.
	StateStopped
)

func (s DaemonState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BackendFactory builds the tunnel backend from the device configuration.
type BackendFactory func(cfg backend.WireGuardConfig) (backend.Backend, error)

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithBackendFactory replaces the userspace WireGuard backend.
func WithBackendFactory(f BackendFactory) DaemonOption {
	return func(d *Daemon) { d.newBackend = f }
}

// WithProber replaces the prober selected by probe.method.
func WithProber(p probe.Prober) DaemonOption {
	return func(d *Daemon) {
		d.prober = p
		d.proberSet = true
	}
}

// Daemon runs a hopguard device. It coordinates the device identity, the
// server catalog, the tunnel backend, the connection controller and the
// RPC and metrics interfaces.
type Daemon struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	state  DaemonState

	newBackend BackendFactory
	prober     probe.Prober
	proberSet  bool

	identity   *identity.Identity
	catalog    *servers.Catalog
	backend    backend.Backend
	controller *controller.Controller
	rpcServer  *rpc.Server
	metricsLn  net.Listener

	// cancel is used to signal shutdown to all goroutines
	cancel context.CancelFunc
	// done signals that the daemon has fully stopped
	done chan struct{}
	// err is the error the component group stopped with
	err error

	startedAt time.Time

	onStateChange func(oldState, newState DaemonState)
	onError       func(err error, message string)
}

// NewDaemon creates a new Daemon with the given configuration.
// The daemon is not started until Start() is called.
func NewDaemon(cfg *Config, logger *slog.Logger, opts ...DaemonOption) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required: %w", apperrors.ErrInvalidInput)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		config: cfg,
		logger: logger.With("component", "daemon"),
		state:  StateInitial,
		done:   make(chan struct{}),
		newBackend: func(c backend.WireGuardConfig) (backend.Backend, error) {
			return backend.NewWireGuard(c)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start initializes and starts all daemon components:
//   - Creating data directory
//   - Loading or generating the device identity
//   - Loading the server catalog
//   - Creating the tunnel backend and connection controller
//   - Starting the RPC and metrics interfaces if enabled
//
// Start returns once every component is set up. The tunnel itself is
// activated later through the controller.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateInitial && d.state != StateStopped {
		d.mu.Unlock()
		return fmt.Errorf("cannot start daemon in state %s: %w", d.state, apperrors.ErrInvalidState)
	}
	oldState := d.state
	d.state = StateStarting
	d.done = make(chan struct{})
	d.err = nil
	d.mu.Unlock()

	d.emitStateChange(oldState, StateStarting)

	d.logger.Info("starting daemon",
		"name", d.config.Node.Name,
		"data_dir", d.config.Node.DataDir,
		"version", version.Version,
	)

	if err := d.setup(); err != nil {
		d.teardownComponents()
		d.transitionToStopped()
		d.emitError(err, "failed to start daemon")
		return err
	}

	daemonCtx, cancel := context.WithCancel(ctx)

	if d.rpcServer != nil {
		if err := d.rpcServer.Start(daemonCtx, d.rpcServerConfig()); err != nil {
			cancel()
			d.teardownComponents()
			d.transitionToStopped()
			d.emitError(err, "failed to start RPC server")
			return fmt.Errorf("starting RPC server: %w", err)
		}
	}

	var metricsLn net.Listener
	if d.config.Metrics.Enabled {
		ln, err := net.Listen("tcp", d.config.Metrics.Listen)
		if err != nil {
			cancel()
			if d.rpcServer != nil {
				d.rpcServer.Stop()
			}
			d.teardownComponents()
			d.transitionToStopped()
			d.emitError(err, "failed to start metrics server")
			return fmt.Errorf("starting metrics server: %w", err)
		}
		metricsLn = ln
		metrics.RecordStartTime()
	}

	d.mu.Lock()
	d.metricsLn = metricsLn
	d.cancel = cancel
	d.state = StateRunning
	d.startedAt = time.Now()
	d.mu.Unlock()

	d.emitStateChange(StateStarting, StateRunning)
	d.logger.Info("daemon started", "device_id", d.identity.DeviceID())

	go d.run(daemonCtx)

	return nil
}

// setup builds every component without starting any goroutine.
func (d *Daemon) setup() error {
	cfg := d.config

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	id, created, err := identity.LoadOrCreate(cfg.DataPath(identity.IdentityFileName))
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	addrs, err := cfg.TunnelAddresses()
	if err != nil {
		return err
	}
	if len(addrs) > 0 && !slices.Equal(addrs, id.Addresses()) {
		id.SetAddresses(addrs)
		if err := id.Save(cfg.DataPath(identity.IdentityFileName)); err != nil {
			return fmt.Errorf("saving identity: %w", err)
		}
	}
	if len(addrs) == 0 {
		addrs = id.Addresses()
	}
	d.identity = id
	d.logger.Info("device identity ready", "device_id", id.DeviceID(), "created", created)

	catalog := servers.NewCatalog()
	path := cfg.ResolvePath(cfg.Servers.File)
	if _, err := catalog.LoadFile(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || !cfg.Servers.Watch {
			return fmt.Errorf("loading server catalog: %w", err)
		}
		d.logger.Warn("server catalog missing, waiting for it to appear", "path", path)
	}
	d.catalog = catalog
	d.logger.Info("server catalog loaded", "servers", catalog.Len())

	dns, err := parseAddrs("backend.dns", cfg.Backend.DNS)
	if err != nil {
		return err
	}
	b, err := d.newBackend(backend.WireGuardConfig{
		PrivateKey:    id.PrivateKey(),
		Addresses:     addrs,
		DNS:           dns,
		MTU:           cfg.Backend.MTU,
		ListenPort:    cfg.Backend.ListenPort,
		HandshakePoll: cfg.Backend.HandshakePoll.Std(),
		LogSize:       cfg.Backend.LogSize,
	})
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	d.backend = b

	settings, err := cfg.RoutingSettings()
	if err != nil {
		return err
	}
	prober := d.prober
	if !d.proberSet {
		prober = cfg.Prober()
	}
	ctrl, err := controller.New(b, catalog, prober,
		controller.WithLogger(d.logger.With("component", "controller")),
		controller.WithRetryPolicy(cfg.RetryPolicy()),
		controller.WithTimeouts(cfg.Timers.Connecting.Std(), cfg.Timers.Handshake.Std()),
		controller.WithTickInterval(cfg.Timers.Tick.Std()),
		controller.WithServerCooldown(cfg.Servers.Cooldown.Std()),
		controller.WithSettings(settings),
		controller.WithSelection(cfg.ServerSelection()),
	)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	ctrl.Subscribe(d.observe)
	d.controller = ctrl

	if cfg.RPC.Enabled {
		srv, err := rpc.NewServer(d.rpcServerConfig())
		if err != nil {
			return fmt.Errorf("creating RPC server: %w", err)
		}
		rpc.NewHandlers(rpc.HandlersConfig{
			Controller: ctrl,
			Catalog:    catalog,
			DeviceID:   id.DeviceID(),
			Version:    version.Version,
		}).RegisterAll(srv)
		d.rpcServer = srv
	}

	return nil
}

func (d *Daemon) rpcServerConfig() rpc.ServerConfig {
	return rpc.ServerConfig{
		UnixSocketPath: d.config.ResolvePath(d.config.RPC.Socket),
		TCPAddress:     d.config.RPC.TCPAddress,
		AuthFile:       d.config.ResolvePath(d.config.RPC.AuthFile),
		MaxConnections: d.config.RPC.MaxConnections,
		RateLimit:      d.config.RPC.RateLimit,
		RateBurst:      d.config.RPC.RateBurst,
	}
}

// observe handles controller events. It runs on the controller goroutine.
func (d *Daemon) observe(ev controller.Event) {
	switch ev.Type {
	case controller.EventStateChanged:
		d.logger.Info("connection state changed", "from", ev.PreviousState.String(), "to", ev.State.String())
	case controller.EventReadyToQuit:
		d.logger.Info("tunnel settled, shutting down")
		d.mu.RLock()
		cancel := d.cancel
		d.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	case controller.EventReadyToUpdate:
		d.logger.Info("tunnel settled, ready to update")
	case controller.EventReadyToBackendFailure:
		d.emitError(apperrors.ErrBackend, "backend failure")
	case controller.EventReadyToServerUnavailable:
		d.logger.Warn("server unavailable", "ping_received", ev.PingReceived)
	case controller.EventHandshakeFailed:
		d.logger.Warn("handshake failed", "server", ev.ServerID)
	case controller.EventTimeChanged:
	default:
		d.logger.Debug("controller event", "type", ev.Type.String())
	}
}

// run supervises the components until the context is cancelled or one of
// them fails.
func (d *Daemon) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.controller.Run(gctx)
	})

	if d.config.Servers.Watch {
		path := d.config.ResolvePath(d.config.Servers.File)
		g.Go(func() error {
			return d.catalog.Watch(gctx, path, func() {
				d.logger.Info("server catalog reloaded", "servers", d.catalog.Len())
			})
		})
	}

	if d.rpcServer != nil {
		g.Go(func() error {
			<-gctx.Done()
			return d.rpcServer.Stop()
		})
	}

	if d.metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		ln := d.metricsLn
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if err != nil {
		d.logger.Error("daemon component failed", "error", err)
		d.emitError(err, "daemon component failed")
	}

	d.logger.Info("daemon shutting down")
	d.teardownComponents()

	d.mu.Lock()
	oldState := d.state
	d.state = StateStopped
	d.err = err
	done := d.done
	d.mu.Unlock()

	d.emitStateChange(oldState, StateStopped)
	close(done)
}

// teardownComponents releases what setup created.
func (d *Daemon) teardownComponents() {
	d.mu.Lock()
	b, ln := d.backend, d.metricsLn
	d.backend, d.metricsLn = nil, nil
	d.mu.Unlock()

	if b != nil {
		if err := b.Close(); err != nil {
			d.logger.Warn("closing backend", "error", err)
		}
	}
	if ln != nil {
		ln.Close()
	}
}

// Stop gracefully shuts down the daemon. It asks the controller to bring the
// tunnel down and waits until every component has stopped. If ctx expires
// first, the remaining components are cancelled and ctx.Err() is returned.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return fmt.Errorf("cannot stop daemon in state %s: %w", d.state, apperrors.ErrInvalidState)
	}
	d.state = StateStopping
	cancel := d.cancel
	done := d.done
	ctrl := d.controller
	d.mu.Unlock()

	d.emitStateChange(StateRunning, StateStopping)
	d.logger.Info("stopping daemon")

	ctrl.Quit()

	select {
	case <-done:
		d.logger.Info("daemon stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("tunnel did not settle in time, forcing shutdown")
		cancel()
		return ctx.Err()
	}
}

// transitionToStopped updates the state to stopped.
func (d *Daemon) transitionToStopped() {
	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
}

// State returns the current state of the daemon.
func (d *Daemon) State() DaemonState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Config returns the daemon's configuration.
func (d *Daemon) Config() *Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Controller returns the connection controller, nil before Start.
func (d *Daemon) Controller() *controller.Controller {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.controller
}

// Catalog returns the server catalog, nil before Start.
func (d *Daemon) Catalog() *servers.Catalog {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.catalog
}

// Identity returns the device identity, nil before Start.
func (d *Daemon) Identity() *identity.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.identity
}

// RPCServer returns the RPC server, nil when RPC is disabled.
func (d *Daemon) RPCServer() *rpc.Server {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rpcServer
}

// MetricsAddr returns the bound metrics address, empty when disabled.
func (d *Daemon) MetricsAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.metricsLn == nil {
		return ""
	}
	return d.metricsLn.Addr().String()
}

// Done returns a channel that is closed when the daemon has stopped.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.done
}

// Err returns the error the daemon stopped with, if any.
func (d *Daemon) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// StartedAt returns when the daemon was started.
// Returns zero time if not started.
func (d *Daemon) StartedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.startedAt
}

// Uptime returns how long the daemon has been running.
// Returns zero if not running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.startedAt.IsZero() || d.state != StateRunning {
		return 0
	}
	return time.Since(d.startedAt)
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (d *Daemon) SetOnStateChange(callback func(oldState, newState DaemonState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStateChange = callback
}

// SetOnError sets a callback for error events.
func (d *Daemon) SetOnError(callback func(err error, message string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = callback
}

func (d *Daemon) emitStateChange(oldState, newState DaemonState) {
	d.mu.RLock()
	callback := d.onStateChange
	d.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (d *Daemon) emitError(err error, message string) {
	d.mu.RLock()
	callback := d.onError
	d.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
