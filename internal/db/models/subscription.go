package models

import "time"

// Subscription records a user's plan tier. The most recent row by creation time
// determines the tier the entitlement gate resolves; users with no rows default
// to the free tier.
type Subscription struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	PlanTier  string    `db:"plan_tier"` // "free", "pro", or "enterprise"
	Status    string    `db:"status"`    // "active", "canceled"
	CreatedAt time.Time `db:"created_at"`
}
