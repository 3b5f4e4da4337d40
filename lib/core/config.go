// Package core loads the hopguard configuration and runs the daemon that
// wires the device identity, server catalog, tunnel backend, connection
// controller, RPC server and metrics endpoint together.
package core

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/hopguard/lib/controller"
	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/hop"
	"github.com/go-i2p/hopguard/lib/probe"
	"github.com/go-i2p/hopguard/lib/servers"
	"github.com/go-i2p/hopguard/lib/validation"
)

// Default configuration values
const (
	DefaultServersFile    = "servers.json"
	DefaultRPCSocket      = "rpc.sock"
	DefaultRPCAuthFile    = "rpc.token"
	DefaultMetricsListen  = "127.0.0.1:9477"
	DefaultMTU            = 1420
	DefaultHandshakePoll  = 250 * time.Millisecond
	DefaultProbeMethod    = "icmp"
	DefaultProbeTimeout   = probe.DefaultTimeout
	DefaultProbeTCPPort   = 443
	DefaultMaxConnections = 16
	DefaultRPCRateLimit   = 20
	DefaultRPCRateBurst   = 40
)

// Probe methods.
const (
	ProbeICMP = "icmp"
	ProbeTCP  = "tcp"
	ProbeNone = "none"
)

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, apperrors.ErrConfiguration)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration for a hopguard daemon.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Backend   BackendConfig   `toml:"backend"`
	Routing   RoutingConfig   `toml:"routing"`
	Selection SelectionConfig `toml:"selection"`
	Servers   ServersConfig   `toml:"servers"`
	Timers    TimersConfig    `toml:"timers"`
	Retry     RetryConfig     `toml:"retry"`
	Probe     ProbeConfig     `toml:"probe"`
	RPC       RPCConfig       `toml:"rpc"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NodeConfig contains basic daemon settings.
type NodeConfig struct {
	// Name is a human-readable identifier for this device
	Name string `toml:"name"`
	// DataDir is the directory where persistent data is stored
	DataDir string `toml:"data_dir"`
}

// BackendConfig configures the WireGuard device.
type BackendConfig struct {
	// Addresses are the tunnel addresses assigned by the VPN provider
	Addresses []string `toml:"addresses"`
	// DNS are the resolvers used inside the tunnel
	DNS []string `toml:"dns,omitempty"`
	// MTU is the tunnel MTU
	MTU int `toml:"mtu"`
	// ListenPort is the local UDP port, 0 for random
	ListenPort uint16 `toml:"listen_port"`
	// HandshakePoll is how often completed handshakes are checked for
	HandshakePoll Duration `toml:"handshake_poll"`
	// LogSize is the backend log ring capacity in bytes
	LogSize int64 `toml:"log_size,omitempty"`
}

// RoutingConfig shapes the routes of every hop.
type RoutingConfig struct {
	EnableIPv6         bool `toml:"enable_ipv6"`
	LocalNetworkAccess bool `toml:"local_network_access"`
	// ExcludedAddresses are prefixes or addresses kept outside the tunnel
	ExcludedAddresses []string `toml:"excluded_addresses,omitempty"`
	// DisabledApps are application identifiers kept outside the tunnel
	DisabledApps []string `toml:"disabled_apps,omitempty"`
	// DNS overrides the resolver of the exit hop
	DNS string `toml:"dns,omitempty"`
}

// SelectionConfig is the initial server location.
type SelectionConfig struct {
	ExitCountry  string `toml:"exit_country"`
	ExitCity     string `toml:"exit_city"`
	EntryCountry string `toml:"entry_country,omitempty"`
	EntryCity    string `toml:"entry_city,omitempty"`
}

// ServersConfig locates the server catalog.
type ServersConfig struct {
	// File is the catalog path (relative to DataDir)
	File string `toml:"file"`
	// Watch reloads the catalog when the file changes
	Watch bool `toml:"watch"`
	// Cooldown is how long a failing server is skipped
	Cooldown Duration `toml:"cooldown"`
}

// TimersConfig bounds the controller states.
type TimersConfig struct {
	Connecting Duration `toml:"connecting"`
	Handshake  Duration `toml:"handshake"`
	Tick       Duration `toml:"tick"`
}

// RetryConfig shapes the backoff between failed attempts.
type RetryConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	Multiplier   float64  `toml:"multiplier"`
	Jitter       float64  `toml:"jitter"`
	MaxRetries   int      `toml:"max_retries"`
}

// ProbeConfig selects the reachability probe.
type ProbeConfig struct {
	// Method is icmp, tcp or none
	Method  string   `toml:"method"`
	Timeout Duration `toml:"timeout"`
	// TCPPort is dialed by the tcp method
	TCPPort uint16 `toml:"tcp_port"`
}

// RPCConfig contains RPC server settings.
type RPCConfig struct {
	// Enabled controls whether the RPC server is started
	Enabled bool `toml:"enabled"`
	// Socket is the path to the Unix socket for RPC (relative to DataDir)
	Socket string `toml:"socket"`
	// TCPAddress is an optional TCP address for RPC (e.g., "127.0.0.1:9090")
	TCPAddress string `toml:"tcp_address,omitempty"`
	// AuthFile holds the token TCP clients must present (relative to DataDir)
	AuthFile string `toml:"auth_file"`
	// MaxConnections bounds concurrent RPC connections
	MaxConnections int `toml:"max_connections"`
	// RateLimit is the sustained requests per second per client, 0 for none
	RateLimit float64 `toml:"rate_limit"`
	// RateBurst is the request burst allowed per client
	RateBurst int `toml:"rate_burst"`
}

// MetricsConfig contains metrics endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether /metrics is served
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".hopguard")
	retry := controller.DefaultRetryPolicy()

	return &Config{
		Node: NodeConfig{
			Name:    "hopguard",
			DataDir: dataDir,
		},
		Backend: BackendConfig{
			MTU:           DefaultMTU,
			HandshakePoll: Duration(DefaultHandshakePoll),
		},
		Servers: ServersConfig{
			File:     DefaultServersFile,
			Watch:    true,
			Cooldown: Duration(controller.DefaultServerCooldown),
		},
		Timers: TimersConfig{
			Connecting: Duration(controller.DefaultConnectingTimeout),
			Handshake:  Duration(controller.DefaultHandshakeTimeout),
			Tick:       Duration(controller.DefaultTickInterval),
		},
		Retry: RetryConfig{
			InitialDelay: Duration(retry.InitialDelay),
			MaxDelay:     Duration(retry.MaxDelay),
			Multiplier:   retry.Multiplier,
			Jitter:       retry.JitterFraction,
			MaxRetries:   retry.MaxRetries,
		},
		Probe: ProbeConfig{
			Method:  DefaultProbeMethod,
			Timeout: Duration(DefaultProbeTimeout),
			TCPPort: DefaultProbeTCPPort,
		},
		RPC: RPCConfig{
			Enabled:        true,
			Socket:         DefaultRPCSocket,
			AuthFile:       DefaultRPCAuthFile,
			MaxConnections: DefaultMaxConnections,
			RateLimit:      DefaultRPCRateLimit,
			RateBurst:      DefaultRPCRateBurst,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file and applies HOPGUARD_*
// environment overrides. If the file doesn't exist, the overrides are applied
// to the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w: %w", apperrors.ErrConfiguration, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, apperrors.ErrConfiguration)...)
}

// invalidField marks a validation failure as a configuration error.
func invalidField(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", err, apperrors.ErrConfiguration)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validation.DeviceName("node.name", c.Node.Name); err != nil {
		return invalidField(err)
	}
	if c.Node.DataDir == "" {
		return invalid("node.data_dir is required")
	}
	if _, err := c.TunnelAddresses(); err != nil {
		return err
	}
	if _, err := parseAddrs("backend.dns", c.Backend.DNS); err != nil {
		return err
	}
	if c.Backend.MTU != 0 && (c.Backend.MTU < 576 || c.Backend.MTU > 65535) {
		return invalid("backend.mtu must be between 576 and 65535")
	}
	if _, err := c.RoutingSettings(); err != nil {
		return err
	}
	sel := c.ServerSelection()
	if err := validation.OptionalLocation("selection.exit", sel.ExitCountry, sel.ExitCity); err != nil {
		return invalidField(err)
	}
	if err := validation.OptionalLocation("selection.entry", sel.EntryCountry, sel.EntryCity); err != nil {
		return invalidField(err)
	}
	if sel.IsMultihop() && sel.IsZero() {
		return invalid("selection.entry requires an exit location")
	}
	if c.Servers.File == "" {
		return invalid("servers.file is required")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return invalid("retry.jitter must be in [0, 1)")
	}
	if c.Retry.MaxRetries < 0 {
		return invalid("retry.max_retries must not be negative")
	}
	switch c.Probe.Method {
	case ProbeICMP, ProbeTCP, ProbeNone:
	default:
		return invalid("probe.method must be one of icmp, tcp, none, got %q", c.Probe.Method)
	}
	if c.RPC.Enabled && c.RPC.Socket == "" && c.RPC.TCPAddress == "" {
		return invalid("rpc needs a socket or a tcp_address")
	}
	if c.RPC.TCPAddress != "" {
		if err := validation.HostPort("rpc.tcp_address", c.RPC.TCPAddress); err != nil {
			return invalidField(err)
		}
	}
	if c.RPC.RateLimit < 0 || c.RPC.RateBurst < 0 {
		return invalid("rpc.rate_limit and rpc.rate_burst must not be negative")
	}
	if c.Metrics.Enabled {
		if err := validation.HostPort("metrics.listen", c.Metrics.Listen); err != nil {
			return invalidField(err)
		}
	}
	return nil
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Node.DataDir}, elem...)
	return filepath.Join(parts...)
}

// ResolvePath returns p unchanged when absolute, or within the data directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return c.DataPath(p)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Node.DataDir, 0o700)
}

// TunnelAddresses parses backend.addresses. Entries may carry a prefix
// length, which is dropped.
func (c *Config) TunnelAddresses() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(c.Backend.Addresses))
	for _, s := range c.Backend.Addresses {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Addr())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, invalid("backend.addresses: %q is not an address", s)
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAddrs(field string, in []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(in))
	for _, s := range in {
		a, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, invalid("%s: %q is not an address", field, s)
		}
		out = append(out, a)
	}
	return out, nil
}

// RoutingSettings converts the routing section into hop builder settings.
func (c *Config) RoutingSettings() (hop.Settings, error) {
	s := hop.Settings{
		EnableIPv6:         c.Routing.EnableIPv6,
		LocalNetworkAccess: c.Routing.LocalNetworkAccess,
		DisabledApps:       c.Routing.DisabledApps,
	}
	for _, e := range c.Routing.ExcludedAddresses {
		if p, err := netip.ParsePrefix(e); err == nil {
			s.ExcludedAddresses = append(s.ExcludedAddresses, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return hop.Settings{}, invalid("routing.excluded_addresses: %q is not a prefix or address", e)
		}
		s.ExcludedAddresses = append(s.ExcludedAddresses, netip.PrefixFrom(a, a.BitLen()))
	}
	if c.Routing.DNS != "" {
		a, err := netip.ParseAddr(c.Routing.DNS)
		if err != nil {
			return hop.Settings{}, invalid("routing.dns: %q is not an address", c.Routing.DNS)
		}
		s.DNS = a
	}
	return s, nil
}

// ServerSelection returns the configured initial location.
func (c *Config) ServerSelection() servers.Selection {
	return servers.Selection{
		ExitCountry:  c.Selection.ExitCountry,
		ExitCity:     c.Selection.ExitCity,
		EntryCountry: c.Selection.EntryCountry,
		EntryCity:    c.Selection.EntryCity,
	}
}

// RetryPolicy converts the retry section. Zero fields take the controller
// defaults.
func (c *Config) RetryPolicy() controller.RetryPolicy {
	return controller.RetryPolicy{
		InitialDelay:   c.Retry.InitialDelay.Std(),
		MaxDelay:       c.Retry.MaxDelay.Std(),
		Multiplier:     c.Retry.Multiplier,
		JitterFraction: c.Retry.Jitter,
		MaxRetries:     c.Retry.MaxRetries,
	}
}

// Prober returns the configured reachability probe, nil for "none".
func (c *Config) Prober() probe.Prober {
	switch c.Probe.Method {
	case ProbeTCP:
		return probe.TCP{Port: c.Probe.TCPPort, Timeout: c.Probe.Timeout.Std()}
	case ProbeNone:
		return nil
	default:
		return probe.ICMP{Timeout: c.Probe.Timeout.Std()}
	}
}
