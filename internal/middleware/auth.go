// Package middleware provides Gin HTTP middleware for request identity,
// rate limiting, request correlation, and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → RateLimit → Auth → Handler
//
// Rate limiting runs before auth so invalid-token floods are shed before any
// signature verification work. Auth populates the caller identity; handlers
// and the gating service read it from the request context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/recipegate/recipegate/internal/auth"
)

// IdentityKey is the gin.Context key under which the authenticated caller
// identity is stored.
const IdentityKey = "identity"

// CallerIdentity returns the authenticated identity for the request, or ""
// when the request carried no valid token.
func CallerIdentity(c *gin.Context) string {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// RequireAuth validates the Bearer token and stores the asserted identity in
// the request context. Requests without a valid token are rejected with 401;
// the response never distinguishes a missing token from a forged one.
func RequireAuth(m *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := identityFromHeader(c, m)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// OptionalAuth resolves the caller identity when a valid token is present
// but lets anonymous requests through. Used on read endpoints where identity
// only enriches the response.
func OptionalAuth(m *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity, ok := identityFromHeader(c, m); ok {
			c.Set(IdentityKey, identity)
		}
		c.Next()
	}
}

func identityFromHeader(c *gin.Context, m *auth.Manager) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}
	identity, err := m.Validate(token)
	if err != nil {
		return "", false
	}
	return identity, true
}
