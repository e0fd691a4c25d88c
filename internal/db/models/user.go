// Package models defines the database model types for the CodeVault license server.
// Each type corresponds to a database table. Models are pure data types — business
// logic belongs in the domain packages, query logic belongs in the repositories layer.
package models

import "time"

// User represents an account that owns projects, licenses, and webhooks
type User struct {
	ID           string
	Email        string
	Name         *string
	PasswordHash string  // Bcrypt hash of the login password
	APIKeyHash   *string // Bcrypt hash of the full API key
	APIKeyPrefix *string // First 10 chars for indexed lookup (e.g. "cv_1a2b3c4d")
	Role         string  // "user" or "admin"
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin returns true for accounts with the admin role
func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}
