package models

import "time"

// Webhook represents a subscriber-registered endpoint for license lifecycle events
type Webhook struct {
	ID              string
	UserID          string
	Name            string
	URL             string
	Secret          *string  // Shared secret for HMAC payload signing; optional
	Events          []string // JSONB array of subscribed event names
	IsActive        bool
	LastTriggeredAt *time.Time
	FailureCount    int // Consecutive failures; observability only, never disables delivery
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SubscribesTo reports whether the webhook's event set contains the given event.
func (w *Webhook) SubscribesTo(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is an immutable record of one fan-out attempt. Transport
// failures are recorded with ResponseStatus 0 and the error text as the body.
type WebhookDelivery struct {
	ID             string
	WebhookID      string
	EventType      string
	Payload        string // Serialized envelope as sent
	ResponseStatus int
	ResponseBody   *string // Truncated to 1000 bytes
	DeliveryTimeMS int
	Success        bool
	CreatedAt      time.Time
}
