// Package security hardens the HTTP surface. The API serves balances and
// settlement state to browser dashboards, so responses carry strict
// browser-policy headers and must never be cached by intermediaries.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware stamps every response with the browser policy headers.
// The API returns JSON only; the CSP forbids loading anything at all.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		// Balance and ledger responses are account-specific; a shared cache
		// replaying one user's balance to another would be a disclosure.
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// CORSMiddleware admits cross-origin calls from the configured dashboard
// origins. An empty allowlist admits every origin, which is only appropriate
// for local development.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || allowed[origin] || allowed["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials with a wildcard origin would let any site ride the
			// user's session; only grant them to an explicit allowlist.
			if !allowed["*"] {
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
