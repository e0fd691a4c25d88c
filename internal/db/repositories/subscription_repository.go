// subscription_repository.go implements SubscriptionRepository over sqlx,
// providing the plan-tier lookups consumed by the entitlement gate.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codevault/codevault/internal/db/models"
)

// SubscriptionRepository handles subscription database operations
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository creates a new SubscriptionRepository
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// CreateSubscription records a plan tier change for a user
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	sub.ID = uuid.New().String()
	sub.CreatedAt = time.Now()
	if sub.Status == "" {
		sub.Status = "active"
	}

	query := `
		INSERT INTO subscriptions (id, user_id, plan_tier, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.PlanTier,
		sub.Status,
		sub.CreatedAt,
	)

	return err
}

// GetLatestByUser returns the most recent subscription row for a user, or
// (nil, nil) when the user has none. The most recent row determines the
// tier; callers treat a nil result as the free tier.
func (r *SubscriptionRepository) GetLatestByUser(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `
		SELECT id, user_id, plan_tier, status, created_at
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	sub := &models.Subscription{}
	err := r.db.GetContext(ctx, sub, query, userID)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return sub, nil
}

// LatestTier resolves the user's current plan tier name, defaulting to "free"
// when no subscription exists. Satisfies entitlement.SubscriptionResolver.
func (r *SubscriptionRepository) LatestTier(ctx context.Context, userID string) (string, error) {
	sub, err := r.GetLatestByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "free", nil
	}
	return sub.PlanTier, nil
}
