package models

import "time"

// HardwareBinding represents one seat: a (license, hardware fingerprint) pair.
// The pair is the binding identity — a binding is never recreated for the same
// fingerprint, only reactivated and its liveness timestamps refreshed.
type HardwareBinding struct {
	ID          string
	LicenseID   string
	HWID        string // Hardware fingerprint hash computed by the client
	MachineName *string
	IPAddress   *string // Last-seen network origin
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	IsActive    bool
}

// HWIDResetLog records one reset-all-seats action on a license
type HWIDResetLog struct {
	ID              string
	LicenseID       string
	ResetByUserID   string
	BindingsRemoved int
	Reason          *string
	CreatedAt       time.Time
}
