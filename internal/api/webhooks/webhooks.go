// Package webhooks implements the webhook management handlers: subscription
// CRUD, the delivery log, the synchronous test endpoint, and the event
// catalog listing. Creating webhooks is gated on the caller's plan tier.
package webhooks

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/entitlement"
	"github.com/codevault/codevault/internal/events"
	"github.com/codevault/codevault/internal/middleware"
)

// Handlers handles webhook endpoints
type Handlers struct {
	webhooks   *repositories.WebhookRepository
	gate       *entitlement.Gate
	dispatcher *events.Dispatcher
}

// NewHandlers creates webhook handlers
func NewHandlers(webhooks *repositories.WebhookRepository, gate *entitlement.Gate, dispatcher *events.Dispatcher) *Handlers {
	return &Handlers{webhooks: webhooks, gate: gate, dispatcher: dispatcher}
}

// CreateWebhookRequest is the body of POST /api/v1/webhooks
type CreateWebhookRequest struct {
	Name   string   `json:"name" binding:"required"`
	URL    string   `json:"url" binding:"required,url"`
	Secret *string  `json:"secret"`
	Events []string `json:"events" binding:"required,min=1"`
}

// UpdateWebhookRequest is the body of PUT /api/v1/webhooks/:id
type UpdateWebhookRequest struct {
	Name     string   `json:"name" binding:"required"`
	URL      string   `json:"url" binding:"required,url"`
	Secret   *string  `json:"secret"`
	Events   []string `json:"events" binding:"required,min=1"`
	IsActive *bool    `json:"is_active"`
}

// @Summary      List webhooks
// @Tags         Webhooks
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/webhooks [get]
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		list, err := h.webhooks.ListWebhooksByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list webhooks"})
			return
		}

		resp := make([]gin.H, 0, len(list))
		for _, hook := range list {
			resp = append(resp, webhookJSON(hook))
		}
		c.JSON(http.StatusOK, gin.H{"webhooks": resp})
	}
}

// @Summary      Create webhook
// @Description  Register a webhook endpoint. Requires a plan tier with the webhooks feature. Event names must come from the published catalog.
// @Tags         Webhooks
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "plan tier lacks webhooks"
// @Router       /api/v1/webhooks [post]
func (h *Handlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		if err := h.gate.RequireFeature(c.Request.Context(), userID, entitlement.FeatureWebhooks); err != nil {
			var forbidden *entitlement.ForbiddenError
			if errors.As(err, &forbidden) {
				c.JSON(http.StatusForbidden, gin.H{
					"error":         forbidden.Error(),
					"feature":       forbidden.Feature,
					"required_tier": forbidden.RequiredTier,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check plan tier"})
			return
		}

		var req CreateWebhookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if bad := unknownEvents(req.Events); len(bad) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown event names", "unknown": bad})
			return
		}

		hook := &models.Webhook{
			UserID:   userID,
			Name:     req.Name,
			URL:      req.URL,
			Secret:   req.Secret,
			Events:   req.Events,
			IsActive: true,
		}
		if err := h.webhooks.CreateWebhook(c.Request.Context(), hook); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create webhook"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"webhook": webhookJSON(hook)})
	}
}

// @Summary      Get webhook
// @Tags         Webhooks
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/webhooks/{id} [get]
func (h *Handlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		hook, ok := h.ownedWebhook(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"webhook": webhookJSON(hook)})
	}
}

// @Summary      Update webhook
// @Tags         Webhooks
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/webhooks/{id} [put]
func (h *Handlers) Update() gin.HandlerFunc {
	return func(c *gin.Context) {
		hook, ok := h.ownedWebhook(c)
		if !ok {
			return
		}

		var req UpdateWebhookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if bad := unknownEvents(req.Events); len(bad) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown event names", "unknown": bad})
			return
		}

		hook.Name = req.Name
		hook.URL = req.URL
		if req.Secret != nil {
			hook.Secret = req.Secret
		}
		hook.Events = req.Events
		if req.IsActive != nil {
			hook.IsActive = *req.IsActive
		}

		if err := h.webhooks.UpdateWebhook(c.Request.Context(), hook); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update webhook"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"webhook": webhookJSON(hook)})
	}
}

// @Summary      Delete webhook
// @Tags         Webhooks
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/webhooks/{id} [delete]
func (h *Handlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		hook, ok := h.ownedWebhook(c)
		if !ok {
			return
		}

		if err := h.webhooks.DeleteWebhook(c.Request.Context(), hook.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete webhook"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// @Summary      Delivery log
// @Description  List recent delivery attempts for a webhook, newest first. Supports limit and offset.
// @Tags         Webhooks
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/webhooks/{id}/deliveries [get]
func (h *Handlers) Deliveries() gin.HandlerFunc {
	return func(c *gin.Context) {
		hook, ok := h.ownedWebhook(c)
		if !ok {
			return
		}

		limit := queryInt(c, "limit", 50)
		if limit < 1 || limit > 200 {
			limit = 50
		}
		offset := queryInt(c, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		list, err := h.webhooks.ListDeliveries(c.Request.Context(), hook.ID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deliveries"})
			return
		}

		resp := make([]gin.H, 0, len(list))
		for _, d := range list {
			resp = append(resp, deliveryJSON(d))
		}
		c.JSON(http.StatusOK, gin.H{"deliveries": resp})
	}
}

// @Summary      Test webhook
// @Description  Send a synthetic "test" event to the webhook synchronously and return the delivery outcome.
// @Tags         Webhooks
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/webhooks/{id}/test [post]
func (h *Handlers) Test() gin.HandlerFunc {
	return func(c *gin.Context) {
		hook, ok := h.ownedWebhook(c)
		if !ok {
			return
		}

		delivery := h.dispatcher.Deliver(c.Request.Context(), hook, events.TestEvent, map[string]interface{}{
			"webhook_id": hook.ID,
			"message":    "Webhook test delivery",
		})
		if delivery == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build test delivery"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"delivery": deliveryJSON(delivery)})
	}
}

// @Summary      Event catalog
// @Description  List every event name a webhook can subscribe to, with descriptions.
// @Tags         Webhooks
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/webhooks/events/list [get]
func (h *Handlers) EventCatalog() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := make([]gin.H, 0, len(events.Catalog))
		for _, name := range events.Catalog {
			resp = append(resp, gin.H{
				"event":       name,
				"description": events.Descriptions[name],
			})
		}
		c.JSON(http.StatusOK, gin.H{"events": resp})
	}
}

// ownedWebhook loads the :id webhook and enforces owner scoping. Foreign and
// unknown IDs both read as 404.
func (h *Handlers) ownedWebhook(c *gin.Context) (*models.Webhook, bool) {
	userID := c.GetString(middleware.UserIDKey)

	hook, err := h.webhooks.GetWebhookByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load webhook"})
		return nil, false
	}
	if hook == nil || hook.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return nil, false
	}
	return hook, true
}

// unknownEvents returns the subset of names not in the published catalog
func unknownEvents(names []string) []string {
	known := make(map[string]struct{}, len(events.Catalog))
	for _, e := range events.Catalog {
		known[e] = struct{}{}
	}
	var bad []string
	for _, name := range names {
		if _, ok := known[name]; !ok {
			bad = append(bad, name)
		}
	}
	return bad
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func webhookJSON(w *models.Webhook) gin.H {
	out := gin.H{
		"id":            w.ID,
		"name":          w.Name,
		"url":           w.URL,
		"events":        w.Events,
		"is_active":     w.IsActive,
		"has_secret":    w.Secret != nil && *w.Secret != "",
		"failure_count": w.FailureCount,
		"created_at":    w.CreatedAt.Format(time.RFC3339),
	}
	if w.LastTriggeredAt != nil {
		out["last_triggered_at"] = w.LastTriggeredAt.Format(time.RFC3339)
	} else {
		out["last_triggered_at"] = nil
	}
	return out
}

func deliveryJSON(d *models.WebhookDelivery) gin.H {
	return gin.H{
		"id":               d.ID,
		"event_type":       d.EventType,
		"response_status":  d.ResponseStatus,
		"response_body":    d.ResponseBody,
		"delivery_time_ms": d.DeliveryTimeMS,
		"success":          d.Success,
		"created_at":       d.CreatedAt.Format(time.RFC3339),
	}
}
