package rpc

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/controller"
	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/servers"
	"github.com/go-i2p/hopguard/lib/validation"
)

// ControllerProvider is the part of the connection controller the handlers
// drive. *controller.Controller implements it.
type ControllerProvider interface {
	Activate() bool
	Deactivate() bool
	ChangeServer(sel servers.Selection) bool
	SilentSwitch() bool
	Snapshot() controller.Snapshot
	Status(ctx context.Context) (backend.Status, error)
	GetBackendLogs(cb func(string))
	CleanupBackendLogs()
	CaptivePortalPresent()
	CaptivePortalGone()
	SetCooldownForAllServersInACity(countryCode, city string)
	Quit()
}

// CatalogProvider lists the server catalog. *servers.Catalog implements it.
type CatalogProvider interface {
	Countries() []servers.Country
	Exists(countryCode, city string) bool
	CityConnectionScore(countryCode, city string) servers.Score
}

// Handlers provides RPC handlers backed by the controller.
type Handlers struct {
	controller ControllerProvider
	catalog    CatalogProvider
	deviceID   string
	version    string
	now        func() time.Time
}

// HandlersConfig configures the RPC handlers.
type HandlersConfig struct {
	Controller ControllerProvider
	Catalog    CatalogProvider
	DeviceID   string
	Version    string
	// Now is the time source for uptimes, time.Now when nil.
	Now func() time.Time
}

// NewHandlers creates RPC handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		controller: cfg.Controller,
		catalog:    cfg.Catalog,
		deviceID:   cfg.DeviceID,
		version:    cfg.Version,
		now:        now,
	}
}

// RegisterAll registers all handlers with the server.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterHandlers(map[string]Handler{
		"status":                   h.Status,
		"connection.activate":      h.Activate,
		"connection.deactivate":    h.Deactivate,
		"connection.change_server": h.ChangeServer,
		"connection.silent_switch": h.SilentSwitch,
		"connection.stats":         h.Stats,
		"logs.get":                 h.LogsGet,
		"logs.cleanup":             h.LogsCleanup,
		"portal.present":           h.PortalPresent,
		"portal.gone":              h.PortalGone,
		"servers.cooldown":         h.ServersCooldown,
		"servers.list":             h.ServersList,
		"app.quit":                 h.Quit,
	})
}

// Status returns the controller snapshot.
func (h *Handlers) Status(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}

	snap := h.controller.Snapshot()
	result := &StatusResult{
		State:         snap.State.String(),
		Selection:     selectionParams(snap.Selection),
		Retry:         snap.Retry,
		CaptivePortal: snap.Portal,
		CanCancel:     snap.DisconnectInConfirming,
		AttemptID:     snap.AttemptID,
		DeviceID:      h.deviceID,
		Version:       h.version,
	}
	if snap.Pending != controller.ActionNone {
		result.Pending = snap.Pending.String()
	}
	if !snap.Connected.IsZero() {
		connected := selectionParams(snap.Connected)
		result.Connected = &connected
	}
	if !snap.ConnectedAt.IsZero() {
		at := snap.ConnectedAt
		result.ConnectedAt = &at
		result.Uptime = formatDuration(h.now().Sub(at))
	}
	for _, c := range snap.Hops {
		result.Hops = append(result.Hops, HopInfo{
			Index:      c.HopIndex,
			Server:     c.Server.ID(),
			Location:   c.Server.CountryCode + "/" + c.Server.CityName,
			Endpoint:   c.Endpoint.String(),
			Exit:       c.Exit,
			AllowedIPs: len(c.AllowedIPs),
		})
	}
	return result, nil
}

// Activate starts connecting to the current selection.
func (h *Handlers) Activate(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}

	accepted := h.controller.Activate()
	snap := h.controller.Snapshot()
	if !accepted && snap.Portal {
		return nil, FromError(apperrors.ErrCaptivePortal)
	}
	return &ActionResult{Accepted: accepted, State: snap.State.String()}, nil
}

// Deactivate tears the tunnel down.
func (h *Handlers) Deactivate(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}
	accepted := h.controller.Deactivate()
	return h.actionResult(accepted), nil
}

// ChangeServer selects a new location.
func (h *Handlers) ChangeServer(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}

	var p SelectionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if err := validation.ValidateChangeServerParams(p.ExitCountry, p.ExitCity, p.EntryCountry, p.EntryCity); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}

	sel := servers.Selection{
		ExitCountry:  p.ExitCountry,
		ExitCity:     p.ExitCity,
		EntryCountry: p.EntryCountry,
		EntryCity:    p.EntryCity,
	}
	if !h.controller.ChangeServer(sel) {
		return nil, NewError(ErrCodeNotFound, "not found", sel.String())
	}
	return h.actionResult(true), nil
}

// SilentSwitch moves the live tunnel to another server in the same city.
func (h *Handlers) SilentSwitch(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}
	accepted := h.controller.SilentSwitch()
	return h.actionResult(accepted), nil
}

// Stats returns the traffic counters of the live tunnel.
func (h *Handlers) Stats(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}

	st, err := h.controller.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, FromError(apperrors.ErrTimeout)
		}
		return nil, FromError(err)
	}

	result := &StatsResult{TxBytes: st.TxBytes, RxBytes: st.RxBytes}
	if st.Gateway.IsValid() {
		result.Gateway = st.Gateway.String()
	}
	if st.DeviceAddress.IsValid() {
		result.DeviceAddress = st.DeviceAddress.String()
	}
	return result, nil
}

// LogsGet returns the buffered backend log.
func (h *Handlers) LogsGet(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}

	logs := make(chan string, 1)
	h.controller.GetBackendLogs(func(s string) { logs <- s })

	select {
	case s := <-logs:
		return &LogsResult{Logs: s}, nil
	case <-ctx.Done():
		return nil, FromError(apperrors.ErrTimeout)
	}
}

// LogsCleanup discards the buffered backend log.
func (h *Handlers) LogsCleanup(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}
	h.controller.CleanupBackendLogs()
	return map[string]string{"message": "logs discarded"}, nil
}

// PortalPresent blocks activation until PortalGone.
func (h *Handlers) PortalPresent(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}
	h.controller.CaptivePortalPresent()
	return map[string]bool{"captive_portal": true}, nil
}

// PortalGone lifts the captive portal block.
func (h *Handlers) PortalGone(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}
	h.controller.CaptivePortalGone()
	return map[string]bool{"captive_portal": false}, nil
}

// ServersCooldown puts every server of a city in cooldown.
func (h *Handlers) ServersCooldown(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}

	var p CooldownParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if err := validation.ValidateCooldownParams(p.Country, p.City); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if h.catalog != nil && !h.catalog.Exists(p.Country, p.City) {
		return nil, NewError(ErrCodeNotFound, "not found", p.Country+"/"+p.City)
	}

	h.controller.SetCooldownForAllServersInACity(p.Country, p.City)
	return map[string]string{"message": "cooldown set"}, nil
}

// ServersList returns the catalog with a connection score per city.
func (h *Handlers) ServersList(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.catalog == nil {
		return nil, ErrInternal("catalog not available")
	}

	countries := h.catalog.Countries()
	result := &ServersListResult{Countries: make([]CountryInfo, 0, len(countries))}
	for _, country := range countries {
		info := CountryInfo{Code: country.Code, Name: country.Name}
		for _, city := range country.Cities {
			info.Cities = append(info.Cities, CityInfo{
				Code:    city.Code,
				Name:    city.Name,
				Servers: len(city.Servers),
				Score:   h.catalog.CityConnectionScore(country.Code, city.Code).String(),
			})
			result.Total += len(city.Servers)
		}
		result.Countries = append(result.Countries, info)
	}
	return result, nil
}

// Quit asks the controller to settle so the daemon can exit.
func (h *Handlers) Quit(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.controller == nil {
		return nil, ErrInternal("controller not available")
	}
	h.controller.Quit()
	return map[string]string{"message": "quit requested"}, nil
}

func (h *Handlers) actionResult(accepted bool) *ActionResult {
	return &ActionResult{Accepted: accepted, State: h.controller.Snapshot().State.String()}
}

func selectionParams(sel servers.Selection) SelectionParams {
	return SelectionParams{
		ExitCountry:  sel.ExitCountry,
		ExitCity:     sel.ExitCity,
		EntryCountry: sel.EntryCountry,
		EntryCity:    sel.EntryCity,
	}
}

// Helper functions

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Minute).String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours == 0 {
		return formatPlural(days, "day", "days")
	}
	return formatPlural(days, "day", "days") + " " + formatPlural(hours, "hour", "hours")
}

// formatPlural formats a number with singular/plural form.
func formatPlural(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(n) + " " + plural
}
