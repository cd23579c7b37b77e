// Package geo resolves IP addresses to coarse locations for the
// location-mismatch signal.
package geo

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Location is the resolved geography for an IP address.
type Location struct {
	CountryCode string // ISO 3166-1 alpha-2, upper case
	Region      string
	City        string
}

// Resolver maps an IP address to a Location.
type Resolver interface {
	Resolve(ipAddress string) (*Location, error)
}

// MaxMind resolves IPs against a MaxMind GeoIP2/GeoLite2 city database.
type MaxMind struct {
	reader *geoip2.Reader
}

// NewMaxMind opens the mmdb file at path.
func NewMaxMind(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMind{reader: reader}, nil
}

// Close releases the underlying database reader.
func (m *MaxMind) Close() error {
	return m.reader.Close()
}

func (m *MaxMind) Resolve(ipAddress string) (*Location, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", ipAddress)
	}

	record, err := m.reader.City(ip)
	if err != nil {
		return nil, err
	}

	loc := &Location{
		CountryCode: strings.ToUpper(record.Country.IsoCode),
		City:        record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].IsoCode
	}
	return loc, nil
}

// Static resolves IPs against an in-memory CIDR table. Used in development
// and tests where no mmdb file is available.
type Static struct {
	mu     sync.RWMutex
	ranges []staticRange
}

type staticRange struct {
	net *net.IPNet
	loc Location
}

// NewStatic creates an empty static resolver.
func NewStatic() *Static {
	return &Static{}
}

// Add registers a CIDR range with its location. Ranges are matched in
// insertion order; the first match wins.
func (s *Static) Add(cidr, countryCode, region string) error {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("invalid cidr %q: %w", cidr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = append(s.ranges, staticRange{
		net: ipNet,
		loc: Location{CountryCode: strings.ToUpper(countryCode), Region: region},
	})
	return nil
}

func (s *Static) Resolve(ipAddress string) (*Location, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", ipAddress)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges {
		if r.net.Contains(ip) {
			loc := r.loc
			return &loc, nil
		}
	}
	return nil, fmt.Errorf("no location for ip %s", ipAddress)
}
