package models

import "time"

// ValidationLog is an immutable audit row recorded for every validation attempt,
// including attempts against unknown license keys (LicenseID is nil in that case).
// Rows are append-only; retention and cleanup are external concerns.
type ValidationLog struct {
	ID             string
	LicenseID      *string // nil when the key did not resolve to a license
	LicenseKey     string
	HWID           string
	IPAddress      string
	Result         string // valid | invalid | revoked | expired | hwid_mismatch
	ResponseTimeMS int
	City           *string
	Country        *string
	Latitude       *float64
	Longitude      *float64
	CreatedAt      time.Time
}
