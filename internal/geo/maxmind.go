package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IPs against a local GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the .mmdb file at path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Resolve looks up ip in the city database. Unparseable IPs and IPs absent
// from the database resolve to Unknown without error.
func (r *MaxMindResolver) Resolve(_ context.Context, ip string) (Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Unknown, nil
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return Unknown, err
	}

	return Location{
		Country:   record.Country.IsoCode,
		City:      record.City.Names["en"],
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}, nil
}

// Close releases the database handle.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}
