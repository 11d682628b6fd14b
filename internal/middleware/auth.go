// Package middleware provides Gin HTTP middleware for authentication, the admin
// gate, rate limiting, security headers, request ids and metrics.
//
// Middleware ordering is enforced in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → CORS → Auth → RateLimit → RequireAdmin → Handler
//
// Rate limiting runs after auth so authenticated callers are limited per user
// rather than per proxy address.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/auth"
	"github.com/filevault/filevault/internal/db/models"
)

// Context keys set by AuthMiddleware.
const (
	UserKey   = "user"
	UserIDKey = "user_id"
)

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	ValidateJWT(token string) (*auth.Claims, error)
}

// UserLoader fetches the user a token names.
type UserLoader interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// AuthMiddleware validates the bearer token and loads the user it names. The role
// is read from the database row, not the token, so a demotion takes effect on the
// next request.
func AuthMiddleware(tokens TokenValidator, users UserLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := tokens.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			slog.Error("failed to load user for token", "user_id", claims.UserID, "error", err)
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

		c.Set(UserKey, user)
		c.Set(UserIDKey, user.ID)
		c.Next()
	}
}

// RequireAdmin rejects callers whose role is not admin. It must run after
// AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}
		if !user.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Administrator role required",
			})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the user loaded by AuthMiddleware.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, exists := c.Get(UserKey)
	if !exists {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok && user != nil
}
