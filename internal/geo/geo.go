// Package geo resolves client IPs to coarse locations.
//
// Resolution is best-effort by contract: absence of data is a valid,
// expected result, and no Resolver implementation fails the caller. The
// detection pipeline treats an Unknown location as a risk signal, not an
// error.
package geo

import "context"

// Location is the result of resolving an IP.
type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Unknown is the sentinel returned when an IP cannot be resolved.
var Unknown = Location{}

// IsUnknown reports whether l carries no country information.
func (l Location) IsUnknown() bool {
	return l.Country == ""
}

// Resolver maps an IP address to a Location. Implementations return
// (Unknown, nil) rather than an error when no data exists; a non-nil error
// means the lookup itself misbehaved and the caller should degrade to
// Unknown.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (Location, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ip string) (Location, error)

func (f ResolverFunc) Resolve(ctx context.Context, ip string) (Location, error) {
	return f(ctx, ip)
}

// NopResolver always reports Unknown. Used when no GeoIP database is
// configured.
type NopResolver struct{}

func (NopResolver) Resolve(context.Context, string) (Location, error) {
	return Unknown, nil
}
