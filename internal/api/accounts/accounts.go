// Package accounts implements the account HTTP handlers: registration, login,
// the current-user endpoint, and API key rotation. Passwords are stored as
// bcrypt hashes; a successful login returns a JWT whose lifetime comes from
// configuration.
package accounts

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codevault/codevault/internal/auth"
	"github.com/codevault/codevault/internal/config"
	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/middleware"
)

// Handlers handles account endpoints
type Handlers struct {
	cfg   *config.Config
	users *repositories.UserRepository
	subs  *repositories.SubscriptionRepository
}

// NewHandlers creates account handlers
func NewHandlers(cfg *config.Config, users *repositories.UserRepository, subs *repositories.SubscriptionRepository) *Handlers {
	return &Handlers{cfg: cfg, users: users, subs: subs}
}

// RegisterRequest is the body of POST /api/v1/auth/register
type RegisterRequest struct {
	Email    string  `json:"email" binding:"required,email"`
	Password string  `json:"password" binding:"required,min=8"`
	Name     *string `json:"name"`
}

// LoginRequest is the body of POST /api/v1/auth/login
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// @Summary      Register account
// @Description  Create a new account and return a session token.
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Success      201  {object}  map[string]interface{}  "token and user"
// @Failure      409  {object}  map[string]interface{}  "email already registered"
// @Router       /api/v1/auth/register [post]
func (h *Handlers) Register() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		existing, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check email"})
			return
		}
		if existing != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
			return
		}

		user := &models.User{
			Email:        req.Email,
			Name:         req.Name,
			PasswordHash: hash,
		}
		if err := h.users.CreateUser(c.Request.Context(), user); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
			return
		}

		token, err := auth.GenerateJWT(user.ID, user.Email, h.cfg.Auth.JWTExpiration)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token": token,
			"user":  userJSON(user, ""),
		})
	}
}

// @Summary      Log in
// @Description  Verify credentials and return a session token.
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "token and user"
// @Failure      401  {object}  map[string]interface{}  "invalid credentials"
// @Router       /api/v1/auth/login [post]
func (h *Handlers) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
			return
		}
		// Identical response for unknown email and wrong password.
		if user == nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
			return
		}

		token, err := auth.GenerateJWT(user.ID, user.Email, h.cfg.Auth.JWTExpiration)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user":  userJSON(user, ""),
		})
	}
}

// @Summary      Current user
// @Description  Return the authenticated account with its resolved plan tier.
// @Tags         Auth
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/auth/me [get]
func (h *Handlers) Me() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.CurrentUser(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		tier, err := h.subs.LatestTier(c.Request.Context(), user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve subscription"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"user": userJSON(user, tier)})
	}
}

// @Summary      Rotate API key
// @Description  Generate a new API key for the account. The full key is returned exactly once; only its bcrypt hash is stored.
// @Tags         Auth
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "api_key and key_prefix"
// @Router       /api/v1/auth/api-key [post]
func (h *Handlers) RotateAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.CurrentUser(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		key, hash, prefix, err := auth.GenerateAPIKey(h.cfg.Auth.APIKeyPrefix)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate API key"})
			return
		}

		if err := h.users.UpdateAPIKey(c.Request.Context(), user.ID, hash, prefix); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store API key"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"api_key":    key,
			"key_prefix": prefix,
		})
	}
}

// userJSON maps a user to its public JSON shape. tier is included when resolved.
func userJSON(u *models.User, tier string) gin.H {
	out := gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"name":       u.Name,
		"role":       u.Role,
		"created_at": u.CreatedAt.Format(time.RFC3339),
	}
	if u.APIKeyPrefix != nil {
		out["api_key_prefix"] = *u.APIKeyPrefix
	}
	if tier != "" {
		out["tier"] = tier
	}
	return out
}
