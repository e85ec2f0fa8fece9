// Package security provides HTTP hardening middleware for the ledger API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The API serves
// only JSON, so the content policy forbids every resource type.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		// Balances and statements must never be cached by intermediaries.
		c.Header("Cache-Control", "no-store")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		c.Next()
	}
}

// AllowedHeaders are the request headers accepted cross-origin.
var AllowedHeaders = []string{
	"Authorization", "Content-Type", "X-API-Key", "X-Request-ID",
	"Idempotency-Key", "X-Admin-Secret", "X-Admin-Actor",
}

// CORSMiddleware handles CORS for API endpoints. An empty allow list
// permits any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	wildcard := len(allowedOrigins) == 0 || originsMap["*"]
	allowHeaders := strings.Join(AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if wildcard || originsMap[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, Idempotent-Replayed, Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials are never combined with a wildcard origin.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
