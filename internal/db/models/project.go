// Package models - project.go defines the Project model grouping licenses under
// an owning user, with the target runtime the project's artifacts are built for.
package models

import "time"

// Project represents an application whose distributed binaries are license-protected
type Project struct {
	ID          string
	UserID      string
	Name        string
	Description *string
	Language    string // Target runtime: "python" or "nodejs"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
