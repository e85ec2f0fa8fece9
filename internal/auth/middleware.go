package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/audit"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyService is the key for storing the authenticated service name
	ContextKeyService = "authService"

	// AdminSecretHeader carries the shared operator secret.
	AdminSecretHeader = "X-Admin-Secret"
	// AdminActorHeader optionally names the operator for audit records.
	AdminActorHeader = "X-Admin-Actor"
)

// Middleware extracts and validates the API key from the request. A valid
// key sets the service as the audit actor on the request context.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyService, key.Service)
				ctx := audit.WithActor(c.Request.Context(), audit.ActorService, key.Service)
				c.Request = c.Request.WithContext(ctx)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret. With an
// empty secret (development) any request carrying a valid API key passes.
// The audit actor becomes admin:<X-Admin-Actor or "operator">.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Admin access requires an API key when no admin secret is configured.",
				})
				return
			}
		} else {
			got := c.GetHeader(AdminSecretHeader)
			if got == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "X-Admin-Secret header required.",
				})
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Invalid admin secret.",
				})
				return
			}
		}

		operator := strings.TrimSpace(c.GetHeader(AdminActorHeader))
		if operator == "" {
			operator = "operator"
		}
		ctx := audit.WithActor(c.Request.Context(), audit.ActorAdmin, operator)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetService returns the authenticated service name
func GetService(c *gin.Context) string {
	svc, exists := c.Get(ContextKeyService)
	if !exists {
		return ""
	}
	return svc.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
