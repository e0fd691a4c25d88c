// Package events implements the webhook event dispatcher: fan-out of license
// lifecycle events to subscriber-registered endpoints, payload signing, and
// per-attempt delivery records.
//
// Delivery is best-effort and at-most-once per event per webhook. There is no
// retry or backoff; the consecutive-failure counter on a webhook exists for
// observability only and never disables delivery. A subscriber's failure is
// never raised to the event emitter.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/safego"
	"github.com/codevault/codevault/internal/telemetry"
)

// Event names form the closed catalog subscribers can choose from.
const (
	LicenseCreated       = "license.created"
	LicenseValidated     = "license.validated"
	LicenseRevoked       = "license.revoked"
	LicenseExpired       = "license.expired"
	HWIDBound            = "hwid.bound"
	HWIDReset            = "hwid.reset"
	CompilationStarted   = "compilation.started"
	CompilationCompleted = "compilation.completed"
	CompilationFailed    = "compilation.failed"

	// TestEvent is sent by the webhook test endpoint, outside the catalog.
	TestEvent = "test"
)

// Catalog lists the subscribable events in registration order.
var Catalog = []string{
	LicenseCreated,
	LicenseValidated,
	LicenseRevoked,
	LicenseExpired,
	HWIDBound,
	HWIDReset,
	CompilationStarted,
	CompilationCompleted,
	CompilationFailed,
}

// Descriptions maps each catalog event to its human-readable trigger condition.
var Descriptions = map[string]string{
	LicenseCreated:       "Triggered when a new license is created",
	LicenseValidated:     "Triggered when a license is successfully validated",
	LicenseRevoked:       "Triggered when a license is revoked",
	LicenseExpired:       "Triggered when a license expires during validation",
	HWIDBound:            "Triggered when a new hardware ID is bound to a license",
	HWIDReset:            "Triggered when hardware bindings are reset for a license",
	CompilationStarted:   "Triggered when a compilation job starts",
	CompilationCompleted: "Triggered when a compilation job completes successfully",
	CompilationFailed:    "Triggered when a compilation job fails",
}

// maxRecordedBody bounds the subscriber response body stored on a delivery row.
const maxRecordedBody = 1000

// webhookStore is the slice of WebhookRepository the dispatcher needs
type webhookStore interface {
	ListActiveByUser(ctx context.Context, userID string) ([]*models.Webhook, error)
	RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	MarkDeliverySuccess(ctx context.Context, webhookID string, at time.Time) error
	MarkDeliveryFailure(ctx context.Context, webhookID string, at time.Time) error
}

// Dispatcher fans out events to subscribed webhooks
type Dispatcher struct {
	webhooks webhookStore
	client   *http.Client
	now      func() time.Time
}

// NewDispatcher creates a dispatcher whose subscriber POSTs are bounded by
// timeout. A timed-out POST is recorded as a failed delivery, nothing more.
func NewDispatcher(webhooks webhookStore, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

// Emit dispatches an event to the owner's subscribed webhooks in the
// background. Deliveries to different subscribers proceed concurrently and
// independently; the caller's request lifecycle is not tied to them, so the
// fan-out runs on a fresh context rather than the (soon cancelled) request
// context.
func (d *Dispatcher) Emit(ctx context.Context, ownerID, event string, data map[string]interface{}) {
	hooks, err := d.webhooks.ListActiveByUser(ctx, ownerID)
	if err != nil {
		slog.Error("webhook fan-out: listing subscribers failed", "error", err, "event", event)
		return
	}

	for _, hook := range hooks {
		if !hook.SubscribesTo(event) {
			continue
		}
		hook := hook
		safego.Go(func() {
			d.Deliver(context.Background(), hook, event, data)
		})
	}
}

// EmitSync is Emit with serial, synchronous delivery. Used by callers that
// need the outcome (the webhook test endpoint) and by tests. Returns the
// number of webhooks the event was delivered to (successfully or not).
func (d *Dispatcher) EmitSync(ctx context.Context, ownerID, event string, data map[string]interface{}) (int, error) {
	hooks, err := d.webhooks.ListActiveByUser(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	attempts := 0
	for _, hook := range hooks {
		if !hook.SubscribesTo(event) {
			continue
		}
		d.Deliver(ctx, hook, event, data)
		attempts++
	}
	return attempts, nil
}

// Deliver POSTs one event to one webhook and records the attempt. The
// returned delivery record is already persisted; a failed delivery is an
// outcome, not an error.
func (d *Dispatcher) Deliver(ctx context.Context, hook *models.Webhook, event string, data map[string]interface{}) *models.WebhookDelivery {
	// Envelope keys are marshalled sorted (data, event, timestamp) because Go
	// sorts map keys; the signature is computed over these exact bytes.
	envelope := map[string]interface{}{
		"event":     event,
		"timestamp": d.now().UTC().Format(time.RFC3339),
		"data":      data,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("webhook envelope marshal failed", "error", err, "event", event)
		return nil
	}

	delivery := &models.WebhookDelivery{
		WebhookID: hook.ID,
		EventType: event,
		Payload:   string(payload),
	}

	start := d.now()
	status, body, err := d.post(ctx, hook, payload)
	elapsed := d.now().Sub(start)

	delivery.DeliveryTimeMS = int(elapsed.Milliseconds())
	telemetry.WebhookDeliveryDuration.Observe(elapsed.Seconds())

	if err != nil {
		// Transport failure: status 0, error text as the recorded body.
		errText := truncate(err.Error(), maxRecordedBody)
		delivery.ResponseStatus = 0
		delivery.ResponseBody = &errText
		delivery.Success = false
	} else {
		recorded := truncate(body, maxRecordedBody)
		delivery.ResponseStatus = status
		delivery.ResponseBody = &recorded
		delivery.Success = status >= 200 && status < 300
	}

	telemetry.WebhookDeliveriesTotal.WithLabelValues(strconv.FormatBool(delivery.Success)).Inc()

	if err := d.webhooks.RecordDelivery(ctx, delivery); err != nil {
		slog.Error("webhook delivery record write failed", "error", err, "webhook_id", hook.ID)
	}

	stamp := d.now()
	if delivery.Success {
		if err := d.webhooks.MarkDeliverySuccess(ctx, hook.ID, stamp); err != nil {
			slog.Error("webhook success stamp failed", "error", err, "webhook_id", hook.ID)
		}
	} else {
		if err := d.webhooks.MarkDeliveryFailure(ctx, hook.ID, stamp); err != nil {
			slog.Error("webhook failure stamp failed", "error", err, "webhook_id", hook.ID)
		}
		slog.Warn("webhook delivery failed",
			"webhook_id", hook.ID, "event", event, "status", delivery.ResponseStatus)
	}

	return delivery
}

// post sends the signed envelope and returns (status, body, transportErr)
func (d *Dispatcher) post(ctx context.Context, hook *models.Webhook, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}

	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != nil && *hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", SignPayload(*hook.Secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRecordedBody+1))
	return resp.StatusCode, string(body), nil
}

// SignPayload computes the X-Webhook-Signature value: hex HMAC-SHA256 of the
// serialized envelope keyed with the webhook's shared secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
