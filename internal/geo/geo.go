// Package geo resolves the geographic origin of validation requests on a
// best-effort basis. Resolution failures never affect the validation outcome;
// an empty Location simply leaves the audit row's geo columns null.
package geo

import "context"

// Location is the resolved origin of an IP address. Every field is optional;
// a zero Location means resolution failed or was disabled.
type Location struct {
	City      *string
	Country   *string
	Latitude  *float64
	Longitude *float64
}

// Resolver maps an IP address to a Location.
type Resolver interface {
	Resolve(ctx context.Context, ip string) Location
}

// NoopResolver is the default resolver: it resolves nothing. Deployments with
// a geo database or lookup service substitute their own Resolver at wiring
// time in main.go.
type NoopResolver struct{}

// Resolve always returns an empty Location.
func (NoopResolver) Resolve(_ context.Context, _ string) Location {
	return Location{}
}
