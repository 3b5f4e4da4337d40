// Package servers holds the VPN server catalog: countries, their cities and
// the WireGuard servers in each city, with per-server cooldown tracking and
// the selection helpers the controller uses to build a hop chain.
package servers

import (
	"fmt"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultPort is the WireGuard port used when a server does not list one.
const DefaultPort = 51820

// Server is an immutable VPN server descriptor.
type Server struct {
	PublicKey   wgtypes.Key
	Hostname    string
	IPv4AddrIn  netip.Addr
	IPv6AddrIn  netip.Addr
	IPv4Gateway netip.Addr
	IPv6Gateway netip.Addr
	Port        uint16
	// AlternatePort is tried on alternating retries when set.
	AlternatePort uint16
	Weight        uint32
	CountryCode   string
	CityCode      string
	CityName      string
}

// ID returns a short identifier used in logs and events.
func (s Server) ID() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	return s.PublicKey.String()
}

// Endpoint returns the IPv4 endpoint of the server, using the alternate
// port when alternate is set and the server has one.
func (s Server) Endpoint(alternate bool) (netip.AddrPort, bool) {
	if !s.IPv4AddrIn.IsValid() {
		return netip.AddrPort{}, false
	}
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	if alternate && s.AlternatePort != 0 {
		port = s.AlternatePort
	}
	return netip.AddrPortFrom(s.IPv4AddrIn, port), true
}

// Addresses returns the valid entry addresses of the server.
func (s Server) Addresses() []netip.Addr {
	var out []netip.Addr
	if s.IPv4AddrIn.IsValid() {
		out = append(out, s.IPv4AddrIn)
	}
	if s.IPv6AddrIn.IsValid() {
		out = append(out, s.IPv6AddrIn)
	}
	return out
}

// City is a named location within a country.
type City struct {
	Name      string
	Code      string
	Latitude  float64
	Longitude float64
	// Servers lists the public keys of the city's servers.
	Servers []wgtypes.Key
}

// Country groups cities under an ISO country code.
type Country struct {
	Name   string
	Code   string
	Cities []City
}

// Location identifies a city in the catalog.
type Location struct {
	CountryCode string
	CityCode    string
	CityName    string
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s", l.CountryCode, l.CityName)
}

// Selection is the user's chosen exit and optional entry location.
type Selection struct {
	ExitCountry  string
	ExitCity     string
	EntryCountry string
	EntryCity    string
}

// IsMultihop reports whether an entry location is set.
func (s Selection) IsMultihop() bool {
	return s.EntryCountry != "" && s.EntryCity != ""
}

// IsZero reports whether no exit location is set.
func (s Selection) IsZero() bool {
	return s.ExitCountry == "" || s.ExitCity == ""
}

func (s Selection) String() string {
	if s.IsMultihop() {
		return fmt.Sprintf("%s/%s via %s/%s", s.ExitCountry, s.ExitCity, s.EntryCountry, s.EntryCity)
	}
	return fmt.Sprintf("%s/%s", s.ExitCountry, s.ExitCity)
}

// Score is the connection quality estimate for a city.
type Score int

const (
	ScoreUnavailable Score = iota - 1
	ScoreNoData
	ScorePoor
	ScoreModerate
	ScoreGood
)

func (s Score) String() string {
	switch s {
	case ScoreUnavailable:
		return "unavailable"
	case ScoreNoData:
		return "no-data"
	case ScorePoor:
		return "poor"
	case ScoreModerate:
		return "moderate"
	case ScoreGood:
		return "good"
	default:
		return "unknown"
	}
}

// serverState is the mutable bookkeeping kept alongside a Server.
type serverState struct {
	server        Server
	cooldownUntil time.Time
	latency       time.Duration
}
