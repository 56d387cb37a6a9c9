package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/freightbay/freightbay/internal/logging"
)

const (
	// ContextKeyClaims is the key for storing verified claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyUserID is the key for storing the authenticated user ID
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and verifies the bearer token from the request.
// Sets authClaims and authUserID in context if valid, and attaches the
// user ID to the request context for logging.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token != "" {
			claims, err := v.Verify(token)
			if err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyUserID, claims.Subject)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), claims.Subject))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUserID); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims (if authenticated)
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetAuthenticatedUser returns the authenticated user's ID
func GetAuthenticatedUser(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyUserID)
	return exists
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
