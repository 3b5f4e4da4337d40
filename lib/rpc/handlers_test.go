package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/controller"
	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/hop"
	"github.com/go-i2p/hopguard/lib/servers"
)

// fakeController records calls and answers from canned state.
type fakeController struct {
	mu        sync.Mutex
	calls     []string
	snap      controller.Snapshot
	accept    bool
	status    backend.Status
	statusErr error
	logs      string
	cooldowns []string
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.calls, call)
}

func (f *fakeController) Activate() bool {
	f.record("activate")
	return f.accept
}

func (f *fakeController) Deactivate() bool {
	f.record("deactivate")
	return f.accept
}

func (f *fakeController) ChangeServer(sel servers.Selection) bool {
	f.record("change:" + sel.String())
	return f.accept
}

func (f *fakeController) SilentSwitch() bool {
	f.record("silent")
	return f.accept
}

func (f *fakeController) Snapshot() controller.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Status(ctx context.Context) (backend.Status, error) {
	f.record("status")
	return f.status, f.statusErr
}

func (f *fakeController) GetBackendLogs(cb func(string)) {
	f.record("logs")
	go cb(f.logs)
}

func (f *fakeController) CleanupBackendLogs() { f.record("cleanup") }
func (f *fakeController) CaptivePortalPresent() { f.record("portal.present") }
func (f *fakeController) CaptivePortalGone() { f.record("portal.gone") }
func (f *fakeController) Quit() { f.record("quit") }

func (f *fakeController) SetCooldownForAllServersInACity(countryCode, city string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns = append(f.cooldowns, countryCode+"/"+city)
}

func testCatalog(t *testing.T) *servers.Catalog {
	t.Helper()
	c := servers.NewCatalog()
	_, err := c.Load(servers.FixtureJSON(
		servers.FixtureServer{Hostname: "de-ber-1", Country: "de", City: "Berlin", IPv4: "198.51.100.1"},
		servers.FixtureServer{Hostname: "de-ber-2", Country: "de", City: "Berlin", IPv4: "198.51.100.2"},
		servers.FixtureServer{Hostname: "se-mma-1", Country: "se", City: "Malmo", IPv4: "203.0.113.1"},
	))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c
}

func liveSnapshot(at time.Time) controller.Snapshot {
	sel := servers.Selection{ExitCountry: "de", ExitCity: "Berlin"}
	return controller.Snapshot{
		State:       controller.StateOn,
		Selection:   sel,
		Connected:   sel,
		ConnectedAt: at,
		Retry:       1,
		AttemptID:   "attempt-1",
		Hops: []hop.Connection{{
			Server:     servers.Server{Hostname: "de-ber-1", CountryCode: "de", CityName: "Berlin"},
			Exit:       true,
			Endpoint:   netip.MustParseAddrPort("198.51.100.1:51820"),
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		}},
	}
}

func TestHandlersRegisterAll(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	NewHandlers(HandlersConfig{}).RegisterAll(s)

	for _, method := range []string{
		"status", "connection.activate", "connection.deactivate", "connection.change_server",
		"connection.silent_switch", "connection.stats", "logs.get", "logs.cleanup",
		"portal.present", "portal.gone", "servers.cooldown", "servers.list", "app.quit",
	} {
		if _, ok := s.handlers[method]; !ok {
			t.Errorf("method %s not registered", method)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	fc := &fakeController{snap: liveSnapshot(start)}
	fc.snap.Pending = controller.ActionQuit
	h := NewHandlers(HandlersConfig{
		Controller: fc,
		DeviceID:   "abcd",
		Version:    "1.2.3",
		Now:        func() time.Time { return start.Add(90 * time.Second) },
	})

	res, rpcErr := h.Status(context.Background(), nil)
	if rpcErr != nil {
		t.Fatalf("Status: %v", rpcErr)
	}
	st := res.(*StatusResult)
	if st.State != "on" {
		t.Errorf("expected state on, got %s", st.State)
	}
	if st.Connected == nil || st.Connected.ExitCity != "Berlin" {
		t.Errorf("expected connected Berlin, got %+v", st.Connected)
	}
	if st.Uptime != "2m0s" {
		t.Errorf("expected uptime 2m0s, got %s", st.Uptime)
	}
	if st.Pending != "quit" {
		t.Errorf("expected pending quit, got %q", st.Pending)
	}
	if len(st.Hops) != 1 || st.Hops[0].Server != "de-ber-1" || !st.Hops[0].Exit || st.Hops[0].Endpoint != "198.51.100.1:51820" {
		t.Errorf("unexpected hops %+v", st.Hops)
	}
	if st.DeviceID != "abcd" || st.Version != "1.2.3" {
		t.Errorf("unexpected identity fields %+v", st)
	}
}

func TestStatusHandlerCanCancel(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		fc := &fakeController{snap: controller.Snapshot{State: controller.StateConfirming, DisconnectInConfirming: enabled}}
		h := NewHandlers(HandlersConfig{Controller: fc})

		res, rpcErr := h.Status(context.Background(), nil)
		if rpcErr != nil {
			t.Fatalf("Status: %v", rpcErr)
		}
		if got := res.(*StatusResult).CanCancel; got != enabled {
			t.Errorf("expected can_cancel %v, got %v", enabled, got)
		}
	}
}

func TestStatusHandlerOff(t *testing.T) {
	h := NewHandlers(HandlersConfig{Controller: &fakeController{snap: controller.Snapshot{State: controller.StateOff}}})

	res, rpcErr := h.Status(context.Background(), nil)
	if rpcErr != nil {
		t.Fatalf("Status: %v", rpcErr)
	}
	st := res.(*StatusResult)
	if st.Connected != nil || st.ConnectedAt != nil || st.Uptime != "" || st.Pending != "" {
		t.Errorf("expected no connection fields while off, got %+v", st)
	}
}

func TestHandlersWithoutController(t *testing.T) {
	h := NewHandlers(HandlersConfig{})
	for name, fn := range map[string]Handler{
		"status":     h.Status,
		"activate":   h.Activate,
		"deactivate": h.Deactivate,
		"stats":      h.Stats,
		"logs":       h.LogsGet,
		"quit":       h.Quit,
		"servers":    h.ServersList,
	} {
		if _, rpcErr := fn(context.Background(), nil); rpcErr == nil || rpcErr.Code != ErrCodeInternal {
			t.Errorf("%s: expected internal error, got %v", name, rpcErr)
		}
	}
}

func TestActivateHandler(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		fc := &fakeController{accept: true, snap: controller.Snapshot{State: controller.StateConnecting}}
		res, rpcErr := NewHandlers(HandlersConfig{Controller: fc}).Activate(context.Background(), nil)
		if rpcErr != nil {
			t.Fatalf("Activate: %v", rpcErr)
		}
		if r := res.(*ActionResult); !r.Accepted || r.State != "connecting" {
			t.Errorf("unexpected result %+v", r)
		}
	})

	t.Run("captive portal", func(t *testing.T) {
		fc := &fakeController{snap: controller.Snapshot{State: controller.StateOff, Portal: true}}
		_, rpcErr := NewHandlers(HandlersConfig{Controller: fc}).Activate(context.Background(), nil)
		if rpcErr == nil || rpcErr.Code != apperrors.CodeCaptivePortal {
			t.Fatalf("expected captive portal error, got %v", rpcErr)
		}
		if !errors.Is(rpcErr, apperrors.ErrCaptivePortal) {
			t.Error("wire error should match ErrCaptivePortal")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		fc := &fakeController{snap: controller.Snapshot{State: controller.StateOn}}
		res, rpcErr := NewHandlers(HandlersConfig{Controller: fc}).Activate(context.Background(), nil)
		if rpcErr != nil {
			t.Fatalf("Activate: %v", rpcErr)
		}
		if res.(*ActionResult).Accepted {
			t.Error("expected a rejected activation")
		}
	})
}

func TestChangeServerHandler(t *testing.T) {
	tests := []struct {
		name     string
		params   string
		accept   bool
		wantCode int
		wantCall string
	}{
		{"single hop", `{"exit_country":"de","exit_city":"Berlin"}`, true, 0, "change:de/Berlin"},
		{"multihop", `{"exit_country":"de","exit_city":"Berlin","entry_country":"se","entry_city":"Malmo"}`, true, 0, "change:de/Berlin via se/Malmo"},
		{"unknown location", `{"exit_country":"xx","exit_city":"Nowhere"}`, false, ErrCodeNotFound, "change:xx/Nowhere"},
		{"missing exit", `{"exit_country":"de"}`, true, ErrCodeInvalidParams, ""},
		{"half entry", `{"exit_country":"de","exit_city":"Berlin","entry_country":"se"}`, true, ErrCodeInvalidParams, ""},
		{"malformed", `{`, true, ErrCodeInvalidParams, ""},
		{"bad country code", `{"exit_country":"deu","exit_city":"Berlin"}`, true, ErrCodeInvalidParams, ""},
		{"control characters", "{\"exit_country\":\"de\",\"exit_city\":\"Ber\\u0000lin\"}", true, ErrCodeInvalidParams, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fc := &fakeController{accept: tc.accept, snap: controller.Snapshot{State: controller.StateSwitching}}
			res, rpcErr := NewHandlers(HandlersConfig{Controller: fc}).ChangeServer(context.Background(), json.RawMessage(tc.params))
			if tc.wantCode != 0 {
				if rpcErr == nil || rpcErr.Code != tc.wantCode {
					t.Fatalf("expected code %d, got %v", tc.wantCode, rpcErr)
				}
			} else if rpcErr != nil {
				t.Fatalf("ChangeServer: %v", rpcErr)
			} else if r := res.(*ActionResult); r.State != "switching" {
				t.Errorf("expected state switching, got %s", r.State)
			}
			if tc.wantCall != "" && !fc.called(tc.wantCall) {
				t.Errorf("expected call %q, got %v", tc.wantCall, fc.calls)
			}
		})
	}
}

func TestStatsHandler(t *testing.T) {
	t.Run("counters", func(t *testing.T) {
		fc := &fakeController{status: backend.Status{
			Gateway:       netip.MustParseAddr("10.64.0.1"),
			DeviceAddress: netip.MustParseAddr("10.64.0.2"),
			TxBytes:       10,
			RxBytes:       20,
		}}
		res, rpcErr := NewHandlers(HandlersConfig{Controller: fc}).Stats(context.Background(), nil)
		if rpcErr != nil {
			t.Fatalf("Stats: %v", rpcErr)
		}
		st := res.(*StatsResult)
		if st.Gateway != "10.64.0.1" || st.DeviceAddress != "10.64.0.2" || st.TxBytes != 10 || st.RxBytes != 20 {
			t.Errorf("unexpected stats %+v", st)
		}
	})

	t.Run("empty while off", func(t *testing.T) {
		res, rpcErr := NewHandlers(HandlersConfig{Controller: &fakeController{}}).Stats(context.Background(), nil)
		if rpcErr != nil {
			t.Fatalf("Stats: %v", rpcErr)
		}
		if st := res.(*StatsResult); st.Gateway != "" || st.TxBytes != 0 {
			t.Errorf("expected empty stats, got %+v", st)
		}
	})

	t.Run("closed controller", func(t *testing.T) {
		fc := &fakeController{statusErr: apperrors.ErrClosed}
		_, rpcErr := NewHandlers(HandlersConfig{Controller: fc}).Stats(context.Background(), nil)
		if rpcErr == nil || rpcErr.Code != ErrCodeInternal {
			t.Errorf("expected internal error, got %v", rpcErr)
		}
	})
}

func TestLogsHandlers(t *testing.T) {
	fc := &fakeController{logs: "DEBUG: peer up"}
	h := NewHandlers(HandlersConfig{Controller: fc})

	res, rpcErr := h.LogsGet(context.Background(), nil)
	if rpcErr != nil {
		t.Fatalf("LogsGet: %v", rpcErr)
	}
	if res.(*LogsResult).Logs != "DEBUG: peer up" {
		t.Errorf("unexpected logs %q", res.(*LogsResult).Logs)
	}

	if _, rpcErr := h.LogsCleanup(context.Background(), nil); rpcErr != nil {
		t.Fatalf("LogsCleanup: %v", rpcErr)
	}
	if !fc.called("cleanup") {
		t.Error("expected CleanupBackendLogs to be called")
	}
}

func TestPortalAndQuitHandlers(t *testing.T) {
	fc := &fakeController{}
	h := NewHandlers(HandlersConfig{Controller: fc})
	ctx := context.Background()

	h.PortalPresent(ctx, nil)
	h.PortalGone(ctx, nil)
	h.Quit(ctx, nil)
	for _, call := range []string{"portal.present", "portal.gone", "quit"} {
		if !fc.called(call) {
			t.Errorf("expected %s to be called", call)
		}
	}
}

func TestServersCooldownHandler(t *testing.T) {
	fc := &fakeController{}
	h := NewHandlers(HandlersConfig{Controller: fc, Catalog: testCatalog(t)})

	if _, rpcErr := h.ServersCooldown(context.Background(), json.RawMessage(`{"country":"de","city":"Berlin"}`)); rpcErr != nil {
		t.Fatalf("ServersCooldown: %v", rpcErr)
	}
	if len(fc.cooldowns) != 1 || fc.cooldowns[0] != "de/Berlin" {
		t.Errorf("unexpected cooldowns %v", fc.cooldowns)
	}

	if _, rpcErr := h.ServersCooldown(context.Background(), json.RawMessage(`{"country":"de","city":"Hamburg"}`)); rpcErr == nil || rpcErr.Code != ErrCodeNotFound {
		t.Errorf("expected not found for an unknown city, got %v", rpcErr)
	}
	if _, rpcErr := h.ServersCooldown(context.Background(), json.RawMessage(`{"country":"de"}`)); rpcErr == nil || rpcErr.Code != ErrCodeInvalidParams {
		t.Errorf("expected invalid params, got %v", rpcErr)
	}
}

func TestServersListHandler(t *testing.T) {
	h := NewHandlers(HandlersConfig{Catalog: testCatalog(t)})

	res, rpcErr := h.ServersList(context.Background(), nil)
	if rpcErr != nil {
		t.Fatalf("ServersList: %v", rpcErr)
	}
	list := res.(*ServersListResult)
	if list.Total != 3 {
		t.Errorf("expected 3 servers, got %d", list.Total)
	}
	if len(list.Countries) != 2 {
		t.Fatalf("expected 2 countries, got %d", len(list.Countries))
	}
	for _, country := range list.Countries {
		for _, city := range country.Cities {
			if city.Score == "" {
				t.Errorf("city %s has no score", city.Name)
			}
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "2m0s"},
		{3 * time.Hour, "3h0m0s"},
		{24 * time.Hour, "1 day"},
		{50 * time.Hour, "2 days 2 hours"},
		{25 * time.Hour, "1 day 1 hour"},
	}
	for _, tc := range tests {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
