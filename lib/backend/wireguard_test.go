package backend

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/hop"
	"github.com/go-i2p/hopguard/lib/servers"
)

func TestNewWireGuardValidation(t *testing.T) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}

	tests := []struct {
		name string
		cfg  WireGuardConfig
	}{
		{"no key", WireGuardConfig{Addresses: []netip.Addr{netip.MustParseAddr("10.64.0.2")}}},
		{"no address", WireGuardConfig{PrivateKey: key}},
		{"invalid address", WireGuardConfig{PrivateKey: key, Addresses: []netip.Addr{{}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewWireGuard(tc.cfg); !apperrors.Is(err, apperrors.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestSubmitBeforeInitialize(t *testing.T) {
	key, _ := wgtypes.GeneratePrivateKey()
	wg, err := NewWireGuard(WireGuardConfig{PrivateKey: key, Addresses: []netip.Addr{netip.MustParseAddr("10.64.0.2")}})
	if err != nil {
		t.Fatalf("NewWireGuard() error = %v", err)
	}
	defer wg.Close()

	if err := wg.SubmitHop(context.Background(), 1, hop.Connection{}); !apperrors.Is(err, apperrors.ErrBackendNotInitialized) {
		t.Errorf("expected ErrBackendNotInitialized, got %v", err)
	}
	wg.Close()
	if err := wg.Teardown(context.Background(), 1); !apperrors.Is(err, apperrors.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
}

func TestParseUAPI(t *testing.T) {
	k1 := servers.FixtureKey("one")
	k2 := servers.FixtureKey("two")
	dump := strings.Join([]string{
		"private_key=" + hexKey(servers.FixtureKey("self")),
		"listen_port=51820",
		"public_key=" + hexKey(k1),
		"endpoint=198.51.100.1:51820",
		"last_handshake_time_sec=1700000000",
		"last_handshake_time_nsec=0",
		"tx_bytes=100",
		"rx_bytes=200",
		"public_key=" + hexKey(k2),
		"last_handshake_time_sec=0",
		"tx_bytes=5",
		"rx_bytes=0",
		"errno=0",
		"",
	}, "\n")

	stats, err := parseUAPI(dump)
	if err != nil {
		t.Fatalf("parseUAPI() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(stats))
	}
	if got := stats[k1]; got.handshake != time.Unix(1700000000, 0) || got.tx != 100 || got.rx != 200 {
		t.Errorf("unexpected stats for first peer: %+v", got)
	}
	if got := stats[k2]; !got.handshake.IsZero() || got.tx != 5 {
		t.Errorf("unexpected stats for second peer: %+v", got)
	}

	if _, err := parseUAPI("public_key=zz\n"); err == nil {
		t.Error("expected an error for a malformed key")
	}
}

// testServer is a wireguard-go device on loopback standing in for a VPN server.
type testServer struct {
	dev  *device.Device
	key  wgtypes.Key
	port uint16
}

func newTestServer(t *testing.T, client wgtypes.Key) *testServer {
	t.Helper()

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	tunDev, _, err := netstack.CreateNetTUN([]netip.Addr{netip.MustParseAddr("10.64.0.1")}, nil, 1420)
	if err != nil {
		t.Fatalf("CreateNetTUN() error = %v", err)
	}
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), device.NewLogger(device.LogLevelSilent, ""))
	ipc := fmt.Sprintf("private_key=%s\nlisten_port=0\npublic_key=%s\nallowed_ip=10.64.0.2/32\n", hexKey(key), hexKey(client))
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		t.Fatalf("IpcSet() error = %v", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		t.Fatalf("Up() error = %v", err)
	}
	t.Cleanup(dev.Close)

	dump, err := dev.IpcGet()
	if err != nil {
		t.Fatal(err)
	}
	var port uint16
	for _, line := range strings.Split(dump, "\n") {
		if v, ok := strings.CutPrefix(line, "listen_port="); ok {
			n, _ := strconv.ParseUint(v, 10, 16)
			port = uint16(n)
		}
	}
	if port == 0 {
		t.Fatal("server has no listen port")
	}
	return &testServer{dev: dev, key: key.PublicKey(), port: port}
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind == EventError {
				t.Fatalf("backend error: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestWireGuardLifecycle(t *testing.T) {
	clientKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, clientKey.PublicKey())

	wg, err := NewWireGuard(WireGuardConfig{
		PrivateKey:    clientKey,
		Addresses:     []netip.Addr{netip.MustParseAddr("10.64.0.2")},
		HandshakePoll: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWireGuard() error = %v", err)
	}
	defer wg.Close()

	events := make(chan Event, 16)
	ctx := context.Background()
	if err := wg.Initialize(ctx, func(ev Event) { events <- ev }); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if ev := waitEvent(t, events, EventInitialized); !ev.OK || ev.WasConnected {
		t.Errorf("unexpected initialized event %+v", ev)
	}

	exit := hop.Connection{
		Server: servers.Server{
			PublicKey:   srv.key,
			Hostname:    "loopback",
			IPv4AddrIn:  netip.MustParseAddr("127.0.0.1"),
			IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
		},
		Exit:       true,
		Endpoint:   netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), srv.port),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
	}
	if err := wg.SubmitHop(ctx, 7, exit); err != nil {
		t.Fatalf("SubmitHop() error = %v", err)
	}

	connected := waitEvent(t, events, EventConnected)
	if connected.PublicKey != srv.key || connected.Generation != 7 {
		t.Errorf("unexpected connected event %+v", connected)
	}

	if err := wg.RequestStatus(ctx, 7); err != nil {
		t.Fatalf("RequestStatus() error = %v", err)
	}
	st := waitEvent(t, events, EventStatus).Status
	if st.Gateway != exit.Server.IPv4Gateway || st.DeviceAddress != netip.MustParseAddr("10.64.0.2") {
		t.Errorf("unexpected status %+v", st)
	}
	if st.TxBytes == 0 {
		t.Error("handshake traffic should be counted")
	}

	if err := wg.Teardown(ctx, 8); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if ev := waitEvent(t, events, EventDisconnected); ev.Generation != 8 {
		t.Errorf("disconnected generation = %d, want 8", ev.Generation)
	}

	var logs string
	wg.Logs(func(s string) { logs = s })
	if !strings.Contains(logs, "DEBUG") {
		t.Errorf("device log should be captured, got %q", logs)
	}
	wg.CleanupLogs()
	wg.Logs(func(s string) { logs = s })
	if logs != "" {
		t.Errorf("logs should be empty after cleanup, got %q", logs)
	}
}
