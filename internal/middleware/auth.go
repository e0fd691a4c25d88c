// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, security headers, request IDs, and request metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → Auth → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attempts before any DB
// work. Auth populates the user identity read by every authenticated handler.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codevault/codevault/internal/auth"
	"github.com/codevault/codevault/internal/db/models"
)

// Context keys set by AuthMiddleware.
const (
	UserKey       = "user"
	UserIDKey     = "user_id"
	AuthMethodKey = "auth_method"
)

// userStore is the slice of UserRepository the auth middleware needs
type userStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByAPIKeyPrefix(ctx context.Context, prefix string) (*models.User, error)
}

// AuthMiddleware validates Bearer credentials: a JWT or an API key.
func AuthMiddleware(users userStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}

		// JWT is tried first: it is stateless and needs no database round-trip,
		// while an API key always costs a prefix lookup plus a bcrypt compare.
		if claims, err := auth.ValidateJWT(token); err == nil {
			user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to load user",
				})
				return
			}
			if user == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "User not found",
				})
				return
			}

			setIdentity(c, user, "jwt")
			c.Next()
			return
		}

		// API key: the 10-character prefix is stored plaintext next to the bcrypt
		// hash so one indexed query narrows the candidate before the expensive
		// comparison runs.
		user, err := authenticateAPIKey(c.Request.Context(), token, users)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication failed",
			})
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		setIdentity(c, user, "api_key")
		c.Next()
	}
}

// bearerToken extracts the Bearer credential, aborting the request on a
// missing or malformed Authorization header.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Missing authorization header",
		})
		return "", false
	}

	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Authorization header must start with 'Bearer '",
		})
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Authorization token is empty",
		})
		return "", false
	}

	return token, true
}

func setIdentity(c *gin.Context, user *models.User, method string) {
	c.Set(UserKey, user)
	c.Set(UserIDKey, user.ID)
	c.Set(AuthMethodKey, method)
}

// authenticateAPIKey resolves an API key to its owning user, or (nil, nil)
// when the key matches no account.
func authenticateAPIKey(ctx context.Context, providedKey string, users userStore) (*models.User, error) {
	prefix := providedKey
	if len(providedKey) > 10 {
		prefix = providedKey[:10]
	}

	user, err := users.GetUserByAPIKeyPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if user == nil || user.APIKeyHash == nil {
		return nil, nil
	}

	if !auth.ValidateAPIKey(providedKey, *user.APIKeyHash) {
		return nil, nil
	}
	return user, nil
}

// CurrentUser returns the authenticated user set by AuthMiddleware.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, exists := c.Get(UserKey)
	if !exists {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}
