// Package licenses implements the license management HTTP handlers: issuing,
// revoking, and deleting licenses, the hardware binding endpoints, and the
// public validation endpoint consumed by generated protocol clients.
//
// All management endpoints are owner-scoped through the license's project.
// A license owned by someone else reads as 404 so keys and IDs are not
// enumerable by other accounts.
package licenses

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codevault/codevault/internal/binding"
	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/entitlement"
	"github.com/codevault/codevault/internal/events"
	"github.com/codevault/codevault/internal/license"
	"github.com/codevault/codevault/internal/middleware"
	"github.com/codevault/codevault/internal/wrapper"
)

// eventEmitter is the slice of the event dispatcher the handlers need
type eventEmitter interface {
	Emit(ctx context.Context, ownerID, event string, data map[string]interface{})
}

// Handlers handles license management endpoints
type Handlers struct {
	licenses   *repositories.LicenseRepository
	projects   *repositories.ProjectRepository
	bindings   *binding.Manager
	gate       *entitlement.Gate
	events     eventEmitter
	wrapperURL string
}

// NewHandlers creates license handlers. wrapperURL is the validation server
// URL baked into generated client wrappers.
func NewHandlers(
	licenses *repositories.LicenseRepository,
	projects *repositories.ProjectRepository,
	bindings *binding.Manager,
	gate *entitlement.Gate,
	dispatcher eventEmitter,
	wrapperURL string,
) *Handlers {
	return &Handlers{
		licenses:   licenses,
		projects:   projects,
		bindings:   bindings,
		gate:       gate,
		events:     dispatcher,
		wrapperURL: wrapperURL,
	}
}

// CreateLicenseRequest is the body of POST /api/v1/licenses
type CreateLicenseRequest struct {
	ProjectID   string   `json:"project_id" binding:"required"`
	ExpiresAt   *string  `json:"expires_at"` // RFC3339; nil = perpetual
	MaxMachines int      `json:"max_machines" binding:"omitempty,min=1"`
	Features    []string `json:"features"`
	ClientName  *string  `json:"client_name"`
	ClientEmail *string  `json:"client_email"`
	Notes       *string  `json:"notes"`
}

// UpdateLicenseRequest is the body of PUT /api/v1/licenses/:id. Status is not
// updatable here: revocation has its own endpoint and is one-way.
type UpdateLicenseRequest struct {
	ExpiresAt   *string  `json:"expires_at"`
	MaxMachines int      `json:"max_machines" binding:"omitempty,min=1"`
	Features    []string `json:"features"`
	ClientName  *string  `json:"client_name"`
	ClientEmail *string  `json:"client_email"`
	Notes       *string  `json:"notes"`
}

// ResetHWIDRequest is the body of POST /api/v1/licenses/:id/reset-hwid
type ResetHWIDRequest struct {
	Reason *string `json:"reason"`
}

// WrapperRequest is the body of POST /api/v1/licenses/:id/wrapper
type WrapperRequest struct {
	Target string `json:"target" binding:"required"`
	Mode   string `json:"mode"` // fixed (default), generic, or demo
}

// @Summary      List licenses
// @Description  List the licenses of one owned project.
// @Tags         Licenses
// @Security     Bearer
// @Produce      json
// @Param        project_id  query  string  true  "Project ID"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses [get]
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("project_id")
		if projectID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "project_id query parameter is required"})
			return
		}
		if _, ok := h.ownedProject(c, projectID); !ok {
			return
		}

		list, err := h.licenses.ListLicensesByProject(c.Request.Context(), projectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list licenses"})
			return
		}

		resp := make([]gin.H, 0, len(list))
		for _, lic := range list {
			resp = append(resp, licenseJSON(lic))
		}
		c.JSON(http.StatusOK, gin.H{"licenses": resp})
	}
}

// @Summary      Create license
// @Description  Issue a new license under an owned project. The per-project license count is capped by the caller's plan tier.
// @Tags         Licenses
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "license quota reached"
// @Router       /api/v1/licenses [post]
func (h *Handlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		var req CreateLicenseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if _, ok := h.ownedProject(c, req.ProjectID); !ok {
			return
		}

		count, err := h.licenses.CountLicensesByProject(c.Request.Context(), req.ProjectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check license quota"})
			return
		}
		if err := h.gate.CheckLicenseQuota(c.Request.Context(), userID, count); err != nil {
			var limitErr *entitlement.LimitError
			if errors.As(err, &limitErr) {
				c.JSON(http.StatusForbidden, gin.H{
					"error": limitErr.Error(),
					"limit": limitErr.Limit,
					"tier":  limitErr.Tier,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check license quota"})
			return
		}

		expiresAt, ok := parseExpiry(c, req.ExpiresAt)
		if !ok {
			return
		}

		key, err := license.GenerateKey()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate license key"})
			return
		}

		lic := &models.License{
			ProjectID:   req.ProjectID,
			LicenseKey:  key,
			ExpiresAt:   expiresAt,
			MaxMachines: req.MaxMachines,
			Features:    req.Features,
			ClientName:  req.ClientName,
			ClientEmail: req.ClientEmail,
			Notes:       req.Notes,
		}
		if err := h.licenses.CreateLicense(c.Request.Context(), lic); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create license"})
			return
		}

		h.events.Emit(c.Request.Context(), userID, events.LicenseCreated, map[string]interface{}{
			"license_id":  lic.ID,
			"license_key": lic.LicenseKey,
			"project_id":  lic.ProjectID,
		})

		c.JSON(http.StatusCreated, gin.H{"license": licenseJSON(lic)})
	}
}

// @Summary      Get license
// @Tags         Licenses
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id} [get]
func (h *Handlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"license": licenseJSON(lic)})
	}
}

// @Summary      Update license
// @Description  Update expiry, seat cap, feature flags, or client metadata. Status transitions are excluded; use the revoke endpoint.
// @Tags         Licenses
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id} [put]
func (h *Handlers) Update() gin.HandlerFunc {
	return func(c *gin.Context) {
		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		var req UpdateLicenseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		expiresAt, ok := parseExpiry(c, req.ExpiresAt)
		if !ok {
			return
		}

		lic.ExpiresAt = expiresAt
		if req.MaxMachines > 0 {
			lic.MaxMachines = req.MaxMachines
		}
		if req.Features != nil {
			lic.Features = req.Features
		}
		lic.ClientName = req.ClientName
		lic.ClientEmail = req.ClientEmail
		lic.Notes = req.Notes

		if err := h.licenses.UpdateLicense(c.Request.Context(), lic); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update license"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"license": licenseJSON(lic)})
	}
}

// @Summary      Revoke license
// @Description  Revoke a license. Revocation is one-way; subsequent validations from any machine return "revoked".
// @Tags         Licenses
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id}/revoke [post]
func (h *Handlers) Revoke() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		if err := h.licenses.RevokeLicense(c.Request.Context(), lic.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke license"})
			return
		}

		h.events.Emit(c.Request.Context(), userID, events.LicenseRevoked, map[string]interface{}{
			"license_id":  lic.ID,
			"license_key": lic.LicenseKey,
		})

		c.JSON(http.StatusOK, gin.H{"revoked": true})
	}
}

// @Summary      Delete license
// @Description  Permanently delete a license. Hardware bindings and logs cascade.
// @Tags         Licenses
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id} [delete]
func (h *Handlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		if err := h.licenses.DeleteLicense(c.Request.Context(), lic.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete license"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// @Summary      List hardware bindings
// @Tags         Licenses
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id}/bindings [get]
func (h *Handlers) ListBindings() gin.HandlerFunc {
	return func(c *gin.Context) {
		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		list, err := h.bindings.List(c.Request.Context(), lic.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list bindings"})
			return
		}

		resp := make([]gin.H, 0, len(list))
		for _, b := range list {
			resp = append(resp, bindingJSON(b))
		}
		c.JSON(http.StatusOK, gin.H{"bindings": resp})
	}
}

// @Summary      Remove one hardware binding
// @Description  Free a single seat. The binding row is deactivated, not deleted; the same machine can rebind later, subject to the seat cap.
// @Tags         Licenses
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id}/bindings/{binding_id} [delete]
func (h *Handlers) RemoveBinding() gin.HandlerFunc {
	return func(c *gin.Context) {
		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		bindingID := c.Param("binding_id")
		if !h.bindingBelongsToLicense(c, lic.ID, bindingID) {
			return
		}

		if err := h.bindings.Remove(c.Request.Context(), bindingID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove binding"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": true})
	}
}

// @Summary      Reset all hardware bindings
// @Description  Free every seat on a license. Machines must rebind on next validation, subject again to the seat cap. The reset is recorded in the reset history.
// @Tags         Licenses
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id}/reset-hwid [post]
func (h *Handlers) ResetHWID() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		// The body is optional; reason defaults to nil.
		var req ResetHWIDRequest
		if c.Request.Body != nil && c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		removed, err := h.bindings.RemoveAll(c.Request.Context(), lic.ID, userID, req.Reason)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset bindings"})
			return
		}

		h.events.Emit(c.Request.Context(), userID, events.HWIDReset, map[string]interface{}{
			"license_id":       lic.ID,
			"license_key":      lic.LicenseKey,
			"bindings_removed": removed,
		})

		c.JSON(http.StatusOK, gin.H{"bindings_removed": removed})
	}
}

// @Summary      Reset history
// @Description  List every recorded seat reset for a license, newest first.
// @Tags         Licenses
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/licenses/{id}/reset-history [get]
func (h *Handlers) ResetHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		history, err := h.bindings.ResetHistory(c.Request.Context(), lic.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load reset history"})
			return
		}

		resp := make([]gin.H, 0, len(history))
		for _, entry := range history {
			resp = append(resp, gin.H{
				"id":               entry.ID,
				"reset_by_user_id": entry.ResetByUserID,
				"bindings_removed": entry.BindingsRemoved,
				"reason":           entry.Reason,
				"created_at":       entry.CreatedAt.Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, gin.H{"resets": resp})
	}
}

// @Summary      Generate client wrapper
// @Description  Render the protocol bootstrap source for this license. Fixed mode embeds the license key; generic mode ships a key file prompt; demo mode validates offline. Node.js output requires the node_support plan feature.
// @Tags         Licenses
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "target, mode, source, checksum"
// @Failure      403  {object}  map[string]interface{}  "target not included in plan tier"
// @Router       /api/v1/licenses/{id}/wrapper [post]
func (h *Handlers) Wrapper() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		lic, ok := h.ownedLicense(c)
		if !ok {
			return
		}

		var req WrapperRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Mode == "" {
			req.Mode = string(wrapper.ModeFixed)
		}

		target := wrapper.Target(req.Target)
		if target == wrapper.TargetNode {
			if err := h.gate.RequireFeature(c.Request.Context(), userID, entitlement.FeatureNodeSupport); err != nil {
				var forbidden *entitlement.ForbiddenError
				if errors.As(err, &forbidden) {
					c.JSON(http.StatusForbidden, gin.H{
						"error":         forbidden.Error(),
						"feature":       forbidden.Feature,
						"required_tier": forbidden.RequiredTier,
					})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check plan features"})
				return
			}
		}

		artifact, err := wrapper.Render(wrapper.Config{
			Target:     target,
			Mode:       wrapper.Mode(req.Mode),
			LicenseKey: lic.LicenseKey,
			ServerURL:  h.wrapperURL,
		})
		if err != nil {
			// Render only fails on bad target/mode combinations; the inputs
			// are caller-supplied.
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"target":   string(artifact.Target),
			"mode":     string(artifact.Mode),
			"source":   artifact.Source,
			"checksum": artifact.Checksum,
		})
	}
}

// ---------------------------------------------------------------------------
// Ownership helpers
// ---------------------------------------------------------------------------

// ownedProject loads a project and enforces owner scoping (404 on foreign or
// unknown IDs).
func (h *Handlers) ownedProject(c *gin.Context, projectID string) (*models.Project, bool) {
	userID := c.GetString(middleware.UserIDKey)

	project, err := h.projects.GetProjectByID(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load project"})
		return nil, false
	}
	if project == nil || project.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return nil, false
	}
	return project, true
}

// ownedLicense loads the :id license and enforces owner scoping through its
// project.
func (h *Handlers) ownedLicense(c *gin.Context) (*models.License, bool) {
	lic, err := h.licenses.GetLicenseByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load license"})
		return nil, false
	}
	if lic == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "License not found"})
		return nil, false
	}
	if _, ok := h.ownedProject(c, lic.ProjectID); !ok {
		return nil, false
	}
	return lic, true
}

// bindingBelongsToLicense guards the binding_id path parameter against
// cross-license deletion.
func (h *Handlers) bindingBelongsToLicense(c *gin.Context, licenseID, bindingID string) bool {
	list, err := h.bindings.List(c.Request.Context(), licenseID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load bindings"})
		return false
	}
	for _, b := range list {
		if b.ID == bindingID {
			return true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Binding not found"})
	return false
}

// parseExpiry parses an optional RFC3339 expiry, responding 400 on bad input.
func parseExpiry(c *gin.Context, raw *string) (*time.Time, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be RFC3339"})
		return nil, false
	}
	return &t, true
}

func licenseJSON(l *models.License) gin.H {
	out := gin.H{
		"id":              l.ID,
		"project_id":      l.ProjectID,
		"license_key":     l.LicenseKey,
		"status":          l.Status,
		"max_machines":    l.MaxMachines,
		"active_machines": l.ActiveMachines,
		"features":        l.Features,
		"client_name":     l.ClientName,
		"client_email":    l.ClientEmail,
		"notes":           l.Notes,
		"created_at":      l.CreatedAt.Format(time.RFC3339),
	}
	if l.ExpiresAt != nil {
		out["expires_at"] = l.ExpiresAt.Format(time.RFC3339)
	} else {
		out["expires_at"] = nil
	}
	if l.LastValidatedAt != nil {
		out["last_validated_at"] = l.LastValidatedAt.Format(time.RFC3339)
	} else {
		out["last_validated_at"] = nil
	}
	return out
}

func bindingJSON(b *models.HardwareBinding) gin.H {
	return gin.H{
		"id":            b.ID,
		"hwid":          b.HWID,
		"machine_name":  b.MachineName,
		"ip_address":    b.IPAddress,
		"first_seen_at": b.FirstSeenAt.Format(time.RFC3339),
		"last_seen_at":  b.LastSeenAt.Format(time.RFC3339),
		"is_active":     b.IsActive,
	}
}
