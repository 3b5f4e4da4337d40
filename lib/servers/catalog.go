package servers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
)

// connection score thresholds
const (
	goodLatency     = 100 * time.Millisecond
	goodServerCount = 6
)

// Catalog is the in-memory server list. It is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	raw       []byte
	countries []Country
	servers   map[wgtypes.Key]*serverState

	now  func() time.Time
	rand *rand.Rand
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithClock sets the time source used for cooldown bookkeeping.
func WithClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) { c.now = now }
}

// WithRand sets the random source used for server and location picks.
func WithRand(r *rand.Rand) CatalogOption {
	return func(c *Catalog) { c.rand = r }
}

// NewCatalog creates an empty catalog.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		servers: make(map[wgtypes.Key]*serverState),
		now:     time.Now,
		rand:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jsonServer struct {
	Hostname      string `json:"hostname"`
	PublicKey     string `json:"public_key"`
	IPv4AddrIn    string `json:"ipv4_addr_in"`
	IPv6AddrIn    string `json:"ipv6_addr_in"`
	IPv4Gateway   string `json:"ipv4_gateway"`
	IPv6Gateway   string `json:"ipv6_gateway"`
	Port          uint16 `json:"port"`
	AlternatePort uint16 `json:"alternate_port"`
	Weight        uint32 `json:"weight"`
}

type jsonCity struct {
	Name      string       `json:"name"`
	Code      string       `json:"code"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	Servers   []jsonServer `json:"servers"`
}

type jsonCountry struct {
	Name   string     `json:"name"`
	Code   string     `json:"code"`
	Cities []jsonCity `json:"cities"`
}

type jsonCatalog struct {
	Countries []jsonCountry `json:"countries"`
}

// Load replaces the catalog with the JSON document in data. It reports
// false without touching the catalog when data equals the last loaded
// document. Cooldowns and latencies of servers present in both the old and
// new document are preserved.
func (c *Catalog) Load(data []byte) (changed bool, err error) {
	c.mu.RLock()
	same := len(data) > 0 && bytes.Equal(c.raw, data)
	c.mu.RUnlock()
	if same {
		log.Debug("server list unchanged")
		return false, nil
	}

	countries, servers, err := parseCatalog(data)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, st := range servers {
		if old, ok := c.servers[key]; ok {
			st.cooldownUntil = old.cooldownUntil
			st.latency = old.latency
		}
	}
	c.raw = bytes.Clone(data)
	c.countries = countries
	c.servers = servers

	log.WithField("countries", len(countries)).WithField("servers", len(servers)).Debug("server list loaded")
	return true, nil
}

// LoadFile loads the catalog from a JSON file.
func (c *Catalog) LoadFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("servers: reading %s: %w", path, err)
	}
	return c.Load(data)
}

func parseCatalog(data []byte) ([]Country, map[wgtypes.Key]*serverState, error) {
	var doc jsonCatalog
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("servers: parsing catalog: %w: %v", apperrors.ErrInvalidInput, err)
	}
	if doc.Countries == nil {
		return nil, nil, fmt.Errorf("servers: catalog has no countries: %w", apperrors.ErrInvalidInput)
	}

	servers := make(map[wgtypes.Key]*serverState)
	countries := make([]Country, 0, len(doc.Countries))
	for _, jc := range doc.Countries {
		if jc.Code == "" || len(jc.Cities) == 0 {
			continue
		}
		country := Country{Name: jc.Name, Code: jc.Code}
		for _, jcity := range jc.Cities {
			city := City{Name: jcity.Name, Code: jcity.Code, Latitude: jcity.Latitude, Longitude: jcity.Longitude}
			for _, js := range jcity.Servers {
				srv, err := parseServer(js)
				if err != nil {
					return nil, nil, fmt.Errorf("servers: %s/%s: %w", jc.Code, jcity.Name, err)
				}
				srv.CountryCode = jc.Code
				srv.CityCode = jcity.Code
				srv.CityName = jcity.Name
				servers[srv.PublicKey] = &serverState{server: srv}
				city.Servers = append(city.Servers, srv.PublicKey)
			}
			country.Cities = append(country.Cities, city)
		}
		sort.SliceStable(country.Cities, func(i, j int) bool {
			return country.Cities[i].Name < country.Cities[j].Name
		})
		countries = append(countries, country)
	}
	sort.SliceStable(countries, func(i, j int) bool {
		return countries[i].Name < countries[j].Name
	})
	return countries, servers, nil
}

func parseServer(js jsonServer) (Server, error) {
	key, err := wgtypes.ParseKey(js.PublicKey)
	if err != nil {
		return Server{}, fmt.Errorf("server %q public key: %w", js.Hostname, apperrors.ErrInvalidInput)
	}
	srv := Server{
		PublicKey:     key,
		Hostname:      js.Hostname,
		Port:          js.Port,
		AlternatePort: js.AlternatePort,
		Weight:        js.Weight,
	}
	for _, f := range []struct {
		in  string
		out *netip.Addr
	}{
		{js.IPv4AddrIn, &srv.IPv4AddrIn},
		{js.IPv6AddrIn, &srv.IPv6AddrIn},
		{js.IPv4Gateway, &srv.IPv4Gateway},
		{js.IPv6Gateway, &srv.IPv6Gateway},
	} {
		if f.in == "" {
			continue
		}
		addr, err := netip.ParseAddr(f.in)
		if err != nil {
			return Server{}, fmt.Errorf("server %q address %q: %w", js.Hostname, f.in, apperrors.ErrInvalidInput)
		}
		*f.out = addr
	}
	if !srv.IPv4AddrIn.IsValid() && !srv.IPv6AddrIn.IsValid() {
		return Server{}, fmt.Errorf("server %q: %w", js.Hostname, apperrors.ErrNoEndpoint)
	}
	return srv, nil
}

// Countries returns a copy of the country list, sorted by name.
func (c *Catalog) Countries() []Country {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Country, len(c.countries))
	for i, country := range c.countries {
		out[i] = country
		out[i].Cities = append([]City(nil), country.Cities...)
	}
	return out
}

// Len returns the number of servers in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers)
}

// findCity matches a city by code or by name within a country.
func (c *Catalog) findCity(countryCode, city string) (*Country, *City, bool) {
	for i := range c.countries {
		country := &c.countries[i]
		if country.Code != countryCode {
			continue
		}
		for j := range country.Cities {
			if country.Cities[j].Code == city || country.Cities[j].Name == city {
				return country, &country.Cities[j], true
			}
		}
		return country, nil, false
	}
	return nil, nil, false
}

// Exists reports whether the city exists in the catalog.
func (c *Catalog) Exists(countryCode, city string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, _, ok := c.findCity(countryCode, city)
	return ok
}

// PickIfExists returns the location of the city when it exists.
func (c *Catalog) PickIfExists(countryCode, city string) (Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	country, found, ok := c.findCity(countryCode, city)
	if !ok {
		return Location{}, false
	}
	return Location{CountryCode: country.Code, CityCode: found.Code, CityName: found.Name}, true
}

// PickRandom returns a random city from the catalog.
func (c *Catalog) PickRandom() (Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.countries) == 0 {
		return Location{}, false
	}
	country := c.countries[c.rand.IntN(len(c.countries))]
	city := country.Cities[c.rand.IntN(len(country.Cities))]
	return Location{CountryCode: country.Code, CityCode: city.Code, CityName: city.Name}, true
}

// PickByIPv4 returns the location of the server with the given entry address.
func (c *Catalog) PickByIPv4(addr netip.Addr) (Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, st := range c.servers {
		if st.server.IPv4AddrIn == addr {
			s := st.server
			return Location{CountryCode: s.CountryCode, CityCode: s.CityCode, CityName: s.CityName}, true
		}
	}
	return Location{}, false
}

// Server returns the server with the given public key.
func (c *Catalog) Server(key wgtypes.Key) (Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.servers[key]
	if !ok {
		return Server{}, false
	}
	return st.server, true
}

// Servers returns the servers of a city.
func (c *Catalog) Servers(countryCode, city string) []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, found, ok := c.findCity(countryCode, city)
	if !ok {
		return nil
	}
	return lo.FilterMap(found.Servers, func(key wgtypes.Key, _ int) (Server, bool) {
		st, ok := c.servers[key]
		if !ok {
			return Server{}, false
		}
		return st.server, true
	})
}

// PickServer returns a weighted random server of the city, skipping the
// excluded keys and servers in cooldown. When every remaining server is in
// cooldown the cooldown is ignored.
func (c *Catalog) PickServer(countryCode, city string, exclude ...wgtypes.Key) (Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, found, ok := c.findCity(countryCode, city)
	if !ok {
		return Server{}, fmt.Errorf("servers: %s/%s: %w", countryCode, city, apperrors.ErrNotFound)
	}

	now := c.now()
	candidates := lo.FilterMap(found.Servers, func(key wgtypes.Key, _ int) (*serverState, bool) {
		st, ok := c.servers[key]
		return st, ok && !lo.Contains(exclude, key)
	})
	if len(candidates) == 0 {
		return Server{}, fmt.Errorf("servers: %s/%s has no eligible server: %w", countryCode, city, apperrors.ErrUnavailable)
	}

	active := lo.Filter(candidates, func(st *serverState, _ int) bool {
		return !st.cooldownUntil.After(now)
	})
	if len(active) == 0 {
		log.WithField("country", countryCode).WithField("city", city).Debug("all servers in cooldown, ignoring cooldown")
		active = candidates
	}
	return c.weightedPick(active).server, nil
}

func (c *Catalog) weightedPick(states []*serverState) *serverState {
	var total uint64
	for _, st := range states {
		total += uint64(max(st.server.Weight, 1))
	}
	n := c.rand.Uint64N(total)
	for _, st := range states {
		w := uint64(max(st.server.Weight, 1))
		if n < w {
			return st
		}
		n -= w
	}
	return states[len(states)-1]
}

// Chain picks the servers for a selection, entry first. A single-hop
// selection yields one server.
func (c *Catalog) Chain(sel Selection, excludeExit ...wgtypes.Key) ([]Server, error) {
	if sel.IsZero() {
		return nil, fmt.Errorf("servers: empty selection: %w", apperrors.ErrInvalidInput)
	}
	exit, err := c.PickServer(sel.ExitCountry, sel.ExitCity, excludeExit...)
	if err != nil {
		return nil, err
	}
	if !sel.IsMultihop() {
		return []Server{exit}, nil
	}
	entry, err := c.PickServer(sel.EntryCountry, sel.EntryCity, exit.PublicKey)
	if err != nil {
		return nil, err
	}
	return []Server{entry, exit}, nil
}

// SetServerCooldown puts a server in cooldown for d.
func (c *Catalog) SetServerCooldown(key wgtypes.Key, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.servers[key]; ok {
		st.cooldownUntil = c.now().Add(d)
	}
}

// SetCooldownForAllServersInACity puts every server of a city in cooldown for d.
func (c *Catalog) SetCooldownForAllServersInACity(countryCode, city string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.WithField("country", countryCode).WithField("city", city).Debug("setting cooldown for all servers in city")

	_, found, ok := c.findCity(countryCode, city)
	if !ok {
		return
	}
	until := c.now().Add(d)
	for _, key := range found.Servers {
		if st, ok := c.servers[key]; ok {
			st.cooldownUntil = until
		}
	}
}

// InCooldown reports whether the server is currently in cooldown.
func (c *Catalog) InCooldown(key wgtypes.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.servers[key]
	return ok && st.cooldownUntil.After(c.now())
}

// SetServerLatency records a measured latency for a server.
func (c *Catalog) SetServerLatency(key wgtypes.Key, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.servers[key]; ok {
		st.latency = latency
	}
}

// CityConnectionScore estimates the connection quality of a city from the
// number of servers out of cooldown and the mean latency of those measured.
func (c *Catalog) CityConnectionScore(countryCode, city string) Score {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, found, ok := c.findCity(countryCode, city)
	if !ok {
		return ScoreNoData
	}

	now := c.now()
	var active, measured int
	var sum time.Duration
	for _, key := range found.Servers {
		st, ok := c.servers[key]
		if !ok || st.cooldownUntil.After(now) {
			continue
		}
		active++
		if st.latency > 0 {
			measured++
			sum += st.latency
		}
	}
	if active == 0 {
		return ScoreUnavailable
	}
	if measured == 0 {
		return ScoreNoData
	}

	score := ScorePoor
	if sum/time.Duration(measured) < goodLatency {
		score++
	}
	if active >= goodServerCount {
		score++
	}
	return min(score, ScoreGood)
}
