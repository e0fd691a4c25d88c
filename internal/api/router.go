// Package api wires together all HTTP routes for the license server.
//
// Route grouping philosophy:
//   - The validation endpoint (/api/v1/license/validate) is intentionally
//     unauthenticated. Generated wrapper clients hold a license key and a
//     machine fingerprint, not an account credential; the endpoint carries
//     its own per-caller rate limit instead.
//   - Everything under the management surface requires a Bearer credential,
//     either a session JWT or a long-lived API key.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/codevault/codevault/internal/api/accounts"
	"github.com/codevault/codevault/internal/api/licenses"
	"github.com/codevault/codevault/internal/api/projects"
	"github.com/codevault/codevault/internal/api/webhooks"
	"github.com/codevault/codevault/internal/audit"
	"github.com/codevault/codevault/internal/binding"
	"github.com/codevault/codevault/internal/config"
	"github.com/codevault/codevault/internal/crypto"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/entitlement"
	"github.com/codevault/codevault/internal/events"
	"github.com/codevault/codevault/internal/geo"
	"github.com/codevault/codevault/internal/jobs"
	"github.com/codevault/codevault/internal/license"
	"github.com/codevault/codevault/internal/middleware"
	"github.com/codevault/codevault/internal/safego"
)

// webhookSecretSalt is the PBKDF2 salt for deriving the webhook-secret cipher
// key from auth.encryption_key. Fixed per application: the passphrase is the
// secret, the salt only domain-separates this derivation from any other use of
// the same passphrase.
var webhookSecretSalt = []byte("codevault/webhook-secrets/v1")

// BackgroundServices holds resources that must be stopped during graceful
// shutdown. The caller (cmd/server) is responsible for calling Shutdown()
// when the process receives a termination signal.
type BackgroundServices struct {
	rateLimiters  []*middleware.RateLimiter
	expirySweeper *jobs.LicenseExpirySweeper
	auditShipper  *audit.MultiShipper
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.expirySweeper != nil {
		bg.expirySweeper.Stop()
	}
	if bg.auditShipper != nil {
		if err := bg.auditShipper.Close(); err != nil {
			slog.Error("audit shipper close failed", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	// Webhook secrets are sealed at rest when an encryption key is configured.
	var secretCipher *crypto.SecretCipher
	if cfg.Auth.EncryptionKey != "" {
		var err error
		secretCipher, err = crypto.DeriveSecretCipher(cfg.Auth.EncryptionKey, webhookSecretSalt, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("deriving webhook secret cipher: %w", err)
		}
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	projectRepo := repositories.NewProjectRepository(db)
	licenseRepo := repositories.NewLicenseRepository(db)
	bindingRepo := repositories.NewBindingRepository(db)
	validationLogRepo := repositories.NewValidationLogRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db, secretCipher)

	// Wrap *sql.DB with sqlx for the subscription repository
	sqlxDB := sqlx.NewDb(db, "postgres")
	subscriptionRepo := repositories.NewSubscriptionRepository(sqlxDB)

	// Domain components
	bindingManager := binding.NewManager(bindingRepo)
	engine := license.NewEngine(
		licenseRepo,
		bindingManager,
		validationLogRepo,
		geo.NoopResolver{},
		license.NewSigner(cfg.Auth.SigningSecret),
		cfg.Validation.ClockSkewWindow,
	)
	dispatcher := events.NewDispatcher(webhookRepo, cfg.Webhooks.DeliveryTimeout)
	gate := entitlement.NewGate(subscriptionRepo)

	// Handler groups
	accountHandlers := accounts.NewHandlers(cfg, userRepo, subscriptionRepo)
	projectHandlers := projects.NewHandlers(projectRepo, gate)
	licenseHandlers := licenses.NewHandlers(licenseRepo, projectRepo, bindingManager, gate, dispatcher, cfg.GetWrapperServerURL())
	webhookHandlers := webhooks.NewHandlers(webhookRepo, gate, dispatcher)

	// Security audit trail destinations (both optional).
	var fileShipper *audit.FileShipper
	if cfg.Audit.File.Enabled {
		var err error
		fileShipper, err = audit.NewFileShipper(cfg.Audit.File.Path, cfg.Audit.File.MaxSizeMB, cfg.Audit.File.MaxBackups)
		if err != nil {
			return nil, nil, fmt.Errorf("opening audit log file: %w", err)
		}
	}
	var webhookShipper *audit.WebhookShipper
	if cfg.Audit.Webhook.Enabled {
		webhookShipper = audit.NewWebhookShipper(cfg.Audit.Webhook.URL, cfg.Audit.Webhook.Timeout)
	}
	var auditDests []audit.Shipper
	if fileShipper != nil {
		auditDests = append(auditDests, fileShipper)
	}
	if webhookShipper != nil {
		auditDests = append(auditDests, webhookShipper)
	}
	auditShipper := audit.NewMultiShipper(auditDests...)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.AuditMiddleware(auditShipper))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// API version
	router.GET("/version", versionHandler())

	// Initialize rate limiters
	authRateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimitConfig())
	generalRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	validationRateLimiter := middleware.NewRateLimiter(middleware.ValidationRateLimitConfig())

	apiV1 := router.Group("/api/v1")
	{
		// Public validation endpoint. No account credential; the license key
		// inside the body is the credential.
		apiV1.POST("/license/validate",
			middleware.RateLimitMiddleware(validationRateLimiter),
			licenses.ValidateHandler(engine))

		// Public authentication endpoints (no auth required, but rate limited)
		authGroup := apiV1.Group("/auth")
		authGroup.Use(middleware.RateLimitMiddleware(authRateLimiter))
		{
			authGroup.POST("/register", accountHandlers.Register())
			authGroup.POST("/login", accountHandlers.Login())
		}

		// Authenticated-only endpoints
		authenticatedGroup := apiV1.Group("")
		authenticatedGroup.Use(middleware.AuthMiddleware(userRepo))
		authenticatedGroup.Use(middleware.RateLimitMiddleware(generalRateLimiter))
		{
			authenticatedGroup.GET("/auth/me", accountHandlers.Me())
			authenticatedGroup.POST("/auth/api-key", accountHandlers.RotateAPIKey())

			projectsGroup := authenticatedGroup.Group("/projects")
			{
				projectsGroup.GET("", projectHandlers.List())
				projectsGroup.POST("", projectHandlers.Create())
				projectsGroup.GET("/:id", projectHandlers.Get())
				projectsGroup.PUT("/:id", projectHandlers.Update())
				projectsGroup.DELETE("/:id", projectHandlers.Delete())
			}

			licensesGroup := authenticatedGroup.Group("/licenses")
			{
				licensesGroup.GET("", licenseHandlers.List())
				licensesGroup.POST("", licenseHandlers.Create())
				licensesGroup.GET("/:id", licenseHandlers.Get())
				licensesGroup.PUT("/:id", licenseHandlers.Update())
				licensesGroup.DELETE("/:id", licenseHandlers.Delete())
				licensesGroup.POST("/:id/revoke", licenseHandlers.Revoke())
				licensesGroup.GET("/:id/bindings", licenseHandlers.ListBindings())
				licensesGroup.DELETE("/:id/bindings/:binding_id", licenseHandlers.RemoveBinding())
				licensesGroup.POST("/:id/reset-hwid", licenseHandlers.ResetHWID())
				licensesGroup.GET("/:id/reset-history", licenseHandlers.ResetHistory())
				licensesGroup.POST("/:id/wrapper", licenseHandlers.Wrapper())
			}

			webhooksGroup := authenticatedGroup.Group("/webhooks")
			{
				// The events catalog route must be registered before /:id so
				// "events" is not captured as a webhook ID.
				webhooksGroup.GET("/events/list", webhookHandlers.EventCatalog())

				webhooksGroup.GET("", webhookHandlers.List())
				webhooksGroup.POST("", webhookHandlers.Create())
				webhooksGroup.GET("/:id", webhookHandlers.Get())
				webhooksGroup.PUT("/:id", webhookHandlers.Update())
				webhooksGroup.DELETE("/:id", webhookHandlers.Delete())
				webhooksGroup.GET("/:id/deliveries", webhookHandlers.Deliveries())
				webhooksGroup.POST("/:id/test", webhookHandlers.Test())
			}
		}
	}

	bg := &BackgroundServices{
		rateLimiters: []*middleware.RateLimiter{authRateLimiter, generalRateLimiter, validationRateLimiter},
		auditShipper: auditShipper,
	}

	// The expiry sweeper notices licenses that lapse while idle and emits
	// license.expired for them; the validation path covers the rest.
	if cfg.Jobs.ExpirySweepEnabled {
		sweeper := jobs.NewLicenseExpirySweeper(licenseRepo, dispatcher, cfg.Jobs.ExpirySweepInterval)
		bg.expirySweeper = sweeper
		safego.Go(func() {
			sweeper.Start(context.Background())
		})
	}

	return router, bg, nil
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current API version and the validation protocol version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version, protocols: {validation}"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
			"protocols": gin.H{
				"validation": "v1",
			},
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		// Log the request
		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// reuse the same structured output; slog will emit text format when the global
	// handler is a TextHandler (configured in telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
