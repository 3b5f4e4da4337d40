package servers

import (
	"crypto/sha256"
	"encoding/json"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// FixtureServer describes one server of a generated catalog document.
type FixtureServer struct {
	Country       string
	City          string
	Hostname      string
	IPv4          string
	IPv6          string
	Port          uint16
	AlternatePort uint16
	Weight        uint32
}

// FixtureKey returns the deterministic public key FixtureJSON assigns to hostname.
func FixtureKey(hostname string) wgtypes.Key {
	return wgtypes.Key(sha256.Sum256([]byte("hopguard-fixture:" + hostname)))
}

// FixtureJSON renders servers as a catalog document. Countries and cities
// appear in first-seen order.
func FixtureJSON(servers ...FixtureServer) []byte {
	var doc jsonCatalog
	countryIdx := map[string]int{}
	cityIdx := map[string]int{}

	for _, fs := range servers {
		ci, ok := countryIdx[fs.Country]
		if !ok {
			ci = len(doc.Countries)
			countryIdx[fs.Country] = ci
			doc.Countries = append(doc.Countries, jsonCountry{Name: fs.Country, Code: fs.Country})
		}
		country := &doc.Countries[ci]

		cityKey := fs.Country + "/" + fs.City
		ti, ok := cityIdx[cityKey]
		if !ok {
			ti = len(country.Cities)
			cityIdx[cityKey] = ti
			country.Cities = append(country.Cities, jsonCity{Name: fs.City, Code: fs.City})
		}
		city := &country.Cities[ti]

		city.Servers = append(city.Servers, jsonServer{
			Hostname:      fs.Hostname,
			PublicKey:     FixtureKey(fs.Hostname).String(),
			IPv4AddrIn:    fs.IPv4,
			IPv6AddrIn:    fs.IPv6,
			Port:          fs.Port,
			AlternatePort: fs.AlternatePort,
			Weight:        fs.Weight,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}
