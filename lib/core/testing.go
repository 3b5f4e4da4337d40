package core

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/servers"
	"github.com/go-i2p/hopguard/lib/testutil"
)

// testDaemonCounter is used to generate unique daemon names for tests.
var testDaemonCounter atomic.Uint64

// testConfig creates a test configuration rooted in a fresh temp directory,
// with a two-city server catalog written next to it. RPC, metrics, the
// catalog watcher and the reachability probe are disabled.
func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.Name = fmt.Sprintf("test-daemon-%d", testDaemonCounter.Add(1))
	cfg.Backend.Addresses = []string{"10.64.0.2/32"}
	cfg.Selection = SelectionConfig{ExitCountry: "de", ExitCity: "Berlin"}
	cfg.Servers.Watch = false
	cfg.Probe.Method = ProbeNone
	cfg.RPC.Enabled = false
	cfg.Metrics.Enabled = false

	catalog := servers.FixtureJSON(
		servers.FixtureServer{Country: "de", City: "Berlin", Hostname: "de-ber-1", IPv4: "198.51.100.1"},
		servers.FixtureServer{Country: "se", City: "Malmo", Hostname: "se-mma-1", IPv4: "203.0.113.1"},
	)
	if err := os.WriteFile(cfg.DataPath(DefaultServersFile), catalog, 0o600); err != nil {
		t.Fatalf("writing catalog: %v", err)
	}

	return cfg
}

// newTestDaemon creates a daemon backed by a fake tunnel backend.
func newTestDaemon(t *testing.T, cfg *Config) (*Daemon, *testutil.FakeBackend) {
	t.Helper()

	fake := testutil.NewFakeBackend()
	d, err := NewDaemon(cfg, nil, WithBackendFactory(func(backend.WireGuardConfig) (backend.Backend, error) {
		return fake, nil
	}))
	if err != nil {
		t.Fatalf("NewDaemon failed: %v", err)
	}
	return d, fake
}

// cleanupDaemon stops a running daemon.
func cleanupDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	if d == nil || d.State() != StateRunning {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Stop(ctx); err != nil {
		t.Logf("Warning: Stop failed during cleanup: %v", err)
	}
}
