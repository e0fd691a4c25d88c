package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codevault/codevault/internal/crypto"
	"github.com/codevault/codevault/internal/db/models"
)

// WebhookRepository handles webhook and delivery-record database operations.
// Shared secrets are sealed with the cipher before they reach the database and
// opened again on read, so the dispatcher always sees plaintext and the
// webhooks table never does. A nil cipher stores secrets as-is; deployments
// opt in by setting auth.encryption_key.
type WebhookRepository struct {
	db     *sql.DB
	cipher *crypto.SecretCipher
}

// NewWebhookRepository creates a new WebhookRepository
func NewWebhookRepository(db *sql.DB, cipher *crypto.SecretCipher) *WebhookRepository {
	return &WebhookRepository{db: db, cipher: cipher}
}

// sealSecret encrypts a webhook secret for storage. Nil secrets and nil
// ciphers pass through unchanged.
func (r *WebhookRepository) sealSecret(secret *string) (*string, error) {
	if secret == nil || r.cipher == nil {
		return secret, nil
	}
	sealed, err := r.cipher.Seal(*secret)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

// openSecret decrypts a stored webhook secret for use.
func (r *WebhookRepository) openSecret(stored *string) (*string, error) {
	if stored == nil || r.cipher == nil {
		return stored, nil
	}
	opened, err := r.cipher.Open(*stored)
	if err != nil {
		return nil, err
	}
	return &opened, nil
}

// CreateWebhook creates a new webhook subscription
func (r *WebhookRepository) CreateWebhook(ctx context.Context, webhook *models.Webhook) error {
	webhook.ID = uuid.New().String()
	webhook.CreatedAt = time.Now()
	webhook.UpdatedAt = time.Now()
	webhook.IsActive = true
	if webhook.Events == nil {
		webhook.Events = []string{}
	}

	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}

	storedSecret, err := r.sealSecret(webhook.Secret)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhooks (id, user_id, name, url, secret, events, is_active, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		webhook.ID,
		webhook.UserID,
		webhook.Name,
		webhook.URL,
		storedSecret,
		eventsJSON,
		webhook.IsActive,
		webhook.CreatedAt,
		webhook.UpdatedAt,
	)

	return err
}

// GetWebhookByID retrieves a webhook by ID
func (r *WebhookRepository) GetWebhookByID(ctx context.Context, webhookID string) (*models.Webhook, error) {
	query := `
		SELECT id, user_id, name, url, secret, events, is_active, last_triggered_at, failure_count, created_at, updated_at
		FROM webhooks
		WHERE id = $1
	`

	webhook, err := r.scanWebhookRow(r.db.QueryRowContext(ctx, query, webhookID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return webhook, nil
}

// ListWebhooksByUser retrieves all webhooks registered by a user
func (r *WebhookRepository) ListWebhooksByUser(ctx context.Context, userID string) ([]*models.Webhook, error) {
	query := `
		SELECT id, user_id, name, url, secret, events, is_active, last_triggered_at, failure_count, created_at, updated_at
		FROM webhooks
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	return r.queryWebhooks(ctx, query, userID)
}

// ListActiveByUser retrieves the active webhooks for a user. The dispatcher
// filters by subscribed event in memory because the event list is a JSONB
// document, not a relational column.
func (r *WebhookRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.Webhook, error) {
	query := `
		SELECT id, user_id, name, url, secret, events, is_active, last_triggered_at, failure_count, created_at, updated_at
		FROM webhooks
		WHERE user_id = $1 AND is_active
		ORDER BY created_at DESC
	`

	return r.queryWebhooks(ctx, query, userID)
}

// UpdateWebhook updates a webhook's name, URL, secret, event set, and active flag
func (r *WebhookRepository) UpdateWebhook(ctx context.Context, webhook *models.Webhook) error {
	webhook.UpdatedAt = time.Now()

	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}

	storedSecret, err := r.sealSecret(webhook.Secret)
	if err != nil {
		return err
	}

	query := `
		UPDATE webhooks
		SET name = $2, url = $3, secret = $4, events = $5, is_active = $6, updated_at = $7
		WHERE id = $1
	`

	_, err = r.db.ExecContext(ctx, query,
		webhook.ID,
		webhook.Name,
		webhook.URL,
		storedSecret,
		eventsJSON,
		webhook.IsActive,
		webhook.UpdatedAt,
	)

	return err
}

// DeleteWebhook deletes a webhook (cascades to its delivery records)
func (r *WebhookRepository) DeleteWebhook(ctx context.Context, webhookID string) error {
	query := `DELETE FROM webhooks WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, webhookID)
	return err
}

// RecordDelivery appends one delivery attempt record
func (r *WebhookRepository) RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	delivery.ID = uuid.New().String()
	delivery.CreatedAt = time.Now()

	query := `
		INSERT INTO webhook_deliveries (id, webhook_id, event_type, payload, response_status,
			response_body, delivery_time_ms, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		delivery.ID,
		delivery.WebhookID,
		delivery.EventType,
		delivery.Payload,
		delivery.ResponseStatus,
		delivery.ResponseBody,
		delivery.DeliveryTimeMS,
		delivery.Success,
		delivery.CreatedAt,
	)

	return err
}

// MarkDeliverySuccess resets the consecutive failure counter and stamps the
// last trigger time after a 2xx delivery.
func (r *WebhookRepository) MarkDeliverySuccess(ctx context.Context, webhookID string, at time.Time) error {
	query := `UPDATE webhooks SET failure_count = 0, last_triggered_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, webhookID, at)
	return err
}

// MarkDeliveryFailure increments the consecutive failure counter and stamps the
// last trigger time. The counter is observability only; it never deactivates
// the webhook.
func (r *WebhookRepository) MarkDeliveryFailure(ctx context.Context, webhookID string, at time.Time) error {
	query := `UPDATE webhooks SET failure_count = failure_count + 1, last_triggered_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, webhookID, at)
	return err
}

// ListDeliveries retrieves a page of delivery records for a webhook, newest first
func (r *WebhookRepository) ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]*models.WebhookDelivery, error) {
	query := `
		SELECT id, webhook_id, event_type, payload, response_status, response_body,
			delivery_time_ms, success, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, webhookID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := make([]*models.WebhookDelivery, 0)
	for rows.Next() {
		delivery := &models.WebhookDelivery{}
		err := rows.Scan(
			&delivery.ID,
			&delivery.WebhookID,
			&delivery.EventType,
			&delivery.Payload,
			&delivery.ResponseStatus,
			&delivery.ResponseBody,
			&delivery.DeliveryTimeMS,
			&delivery.Success,
			&delivery.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}

	return deliveries, rows.Err()
}

func (r *WebhookRepository) queryWebhooks(ctx context.Context, query string, args ...interface{}) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	webhooks := make([]*models.Webhook, 0)
	for rows.Next() {
		webhook, err := r.scanWebhookRow(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, webhook)
	}

	return webhooks, rows.Err()
}

func (r *WebhookRepository) scanWebhookRow(row rowScanner) (*models.Webhook, error) {
	webhook := &models.Webhook{}
	var eventsJSON []byte

	err := row.Scan(
		&webhook.ID,
		&webhook.UserID,
		&webhook.Name,
		&webhook.URL,
		&webhook.Secret,
		&eventsJSON,
		&webhook.IsActive,
		&webhook.LastTriggeredAt,
		&webhook.FailureCount,
		&webhook.CreatedAt,
		&webhook.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	webhook.Secret, err = r.openSecret(webhook.Secret)
	if err != nil {
		return nil, err
	}

	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &webhook.Events); err != nil {
			return nil, err
		}
	}
	if webhook.Events == nil {
		webhook.Events = []string{}
	}

	return webhook, nil
}
