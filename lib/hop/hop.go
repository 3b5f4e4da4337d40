// Package hop derives the per-hop routing policy of a tunnel from the server
// chain and the user's settings.
//
// Everything here is pure: the same chain and settings always yield the same
// connections, with prefixes in a canonical sorted order.
package hop

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/samber/lo"
	"go4.org/netipx"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/servers"
)

var (
	allIPv4 = netip.MustParsePrefix("0.0.0.0/0")
	allIPv6 = netip.MustParsePrefix("::/0")
)

// LocalNetworks are kept outside the tunnel when local network access is on.
var LocalNetworks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Settings are the global inputs that shape every hop.
type Settings struct {
	EnableIPv6         bool
	LocalNetworkAccess bool
	// ExcludedAddresses are user-configured split-tunnel exclusions.
	ExcludedAddresses []netip.Prefix
	// DisabledApps are application identifiers kept outside the tunnel.
	DisabledApps []string
	// DNS overrides the resolver on the exit hop when valid.
	DNS netip.Addr
	// UseAlternatePort selects each server's alternate port when it has one.
	UseAlternatePort bool
}

// Connection is one leg of a tunnel. It is immutable once built.
type Connection struct {
	Server   servers.Server
	HopIndex int
	Exit     bool
	Endpoint netip.AddrPort
	// AllowedIPs are routed through this hop, sorted.
	AllowedIPs        []netip.Prefix
	ExcludedAddresses []netip.Prefix
	DisabledApps      []string
	// DNSServer is invalid when the default resolver should be used.
	DNSServer netip.Addr
}

func (c Connection) String() string {
	return fmt.Sprintf("hop %d %s (%s)", c.HopIndex, c.Server.ID(), c.Endpoint)
}

// Build computes the connection for chain[hopIndex]. chain is ordered entry
// first; its last element is the exit hop.
func Build(chain []servers.Server, settings Settings, hopIndex int) (Connection, error) {
	if len(chain) == 0 {
		return Connection{}, apperrors.ErrEmptyChain
	}
	if hopIndex < 0 || hopIndex >= len(chain) {
		return Connection{}, fmt.Errorf("%w: %d of %d", apperrors.ErrHopIndex, hopIndex, len(chain))
	}

	srv := chain[hopIndex]
	endpoint, ok := srv.Endpoint(settings.UseAlternatePort)
	if !ok {
		return Connection{}, fmt.Errorf("%s: %w", srv.ID(), apperrors.ErrNoEndpoint)
	}

	excluded, err := excludedSet(chain[0], settings)
	if err != nil {
		return Connection{}, err
	}

	conn := Connection{
		Server:            srv,
		HopIndex:          hopIndex,
		Exit:              hopIndex == len(chain)-1,
		Endpoint:          endpoint,
		ExcludedAddresses: excluded.Prefixes(),
	}

	if conn.Exit {
		conn.AllowedIPs, err = exitAllowedIPs(excluded, settings.EnableIPv6)
		if err != nil {
			return Connection{}, err
		}
		conn.DisabledApps = normalizeApps(settings.DisabledApps)
		if settings.DNS.IsValid() {
			conn.DNSServer = settings.DNS
		}
		return conn, nil
	}

	next := chain[hopIndex+1]
	conn.AllowedIPs = hostPrefixes(next, settings.EnableIPv6)
	if len(conn.AllowedIPs) == 0 {
		return Connection{}, fmt.Errorf("%s: %w", next.ID(), apperrors.ErrNoEndpoint)
	}
	return conn, nil
}

// BuildChain builds every hop of chain, entry first.
func BuildChain(chain []servers.Server, settings Settings) ([]Connection, error) {
	if len(chain) == 0 {
		return nil, apperrors.ErrEmptyChain
	}
	out := make([]Connection, 0, len(chain))
	for i := range chain {
		conn, err := Build(chain, settings, i)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// excludedSet is the union of the user exclusions, the local networks when
// local network access is enabled and the entry server addresses.
func excludedSet(entry servers.Server, settings Settings) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, p := range settings.ExcludedAddresses {
		b.AddPrefix(p.Masked())
	}
	if settings.LocalNetworkAccess {
		for _, p := range LocalNetworks {
			b.AddPrefix(p)
		}
	}
	for _, addr := range entry.Addresses() {
		b.Add(addr)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("hop: excluded set: %w", err)
	}
	return set, nil
}

func exitAllowedIPs(excluded *netipx.IPSet, ipv6 bool) ([]netip.Prefix, error) {
	var b netipx.IPSetBuilder
	b.AddPrefix(allIPv4)
	if ipv6 {
		b.AddPrefix(allIPv6)
	}
	b.RemoveSet(excluded)
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("hop: allowed set: %w", err)
	}
	return set.Prefixes(), nil
}

func hostPrefixes(srv servers.Server, ipv6 bool) []netip.Prefix {
	var out []netip.Prefix
	if srv.IPv4AddrIn.IsValid() {
		out = append(out, netip.PrefixFrom(srv.IPv4AddrIn, 32))
	}
	if ipv6 && srv.IPv6AddrIn.IsValid() {
		out = append(out, netip.PrefixFrom(srv.IPv6AddrIn, 128))
	}
	return out
}

func normalizeApps(apps []string) []string {
	out := lo.Uniq(lo.Compact(apps))
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
