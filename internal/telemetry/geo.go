package telemetry

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver maps a source IP to an ISO country code.
type Resolver interface {
	Country(ip string) (string, error)
}

// NoopResolver reports every IP as unresolved. Used when no GeoIP
// database path is configured.
type NoopResolver struct{}

func (NoopResolver) Country(string) (string, error) { return "", nil }

// GeoIPResolver resolves countries from a local MaxMind database.
type GeoIPResolver struct {
	db *geoip2.Reader
}

// OpenGeoIP opens the MaxMind country database at path.
func OpenGeoIP(path string) (*GeoIPResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &GeoIPResolver{db: db}, nil
}

// Country returns the ISO code for ip, or "" when unresolvable.
func (r *GeoIPResolver) Country(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", nil
	}
	record, err := r.db.Country(parsed)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}

// Close releases the database handle.
func (r *GeoIPResolver) Close() error {
	return r.db.Close()
}
