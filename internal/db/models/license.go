// Package models - license.go defines the License model, the central record of the
// validation protocol: a unique opaque key, lifecycle status, optional expiry,
// seat cap, and the feature flags returned to clients on successful validation.
package models

import "time"

// License statuses form a closed set; revocation is a one-way transition.
const (
	LicenseStatusActive  = "active"
	LicenseStatusRevoked = "revoked"
)

// License represents a license key issued for a project
type License struct {
	ID              string
	ProjectID       string
	LicenseKey      string // Opaque key, e.g. "LIC-AAAA-BBBB-CCCC-DDDD"
	Status          string
	ExpiresAt       *time.Time // Absolute expiry; nil = perpetual
	MaxMachines     int        // Seat cap; always >= 1
	Features        []string   // JSONB array of feature flags, ordered
	ClientName      *string
	ClientEmail     *string
	Notes           *string
	LastValidatedAt *time.Time
	// ExpiryNotifiedAt marks that the expiry sweeper has already emitted
	// license.expired for this license; nil means not yet notified.
	ExpiryNotifiedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// Joined fields (not stored in licenses table)
	ProjectName    *string // Joined from projects
	OwnerUserID    string  // Joined from projects; event fan-out routes on it
	ActiveMachines int     // Count of active hardware bindings
}

// IsExpired reports whether the license has an expiry in the past relative to now.
func (l *License) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}
