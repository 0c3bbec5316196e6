// Package auth guards operator routes with the shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hillside/hillside-escrow/internal/logging"
)

// HeaderAdminSecret carries the operator secret.
const HeaderAdminSecret = "X-Admin-Secret"

// ContextKeyAdmin is set to true on requests that passed RequireAdmin.
const ContextKeyAdmin = "admin"

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// With an empty secret the routes are open only when allowOpen is set
// (local development); otherwise they are unavailable.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if allowOpen {
				c.Set(ContextKeyAdmin, true)
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Operator routes require ADMIN_SECRET to be configured.",
			})
			return
		}

		provided := c.GetHeader(HeaderAdminSecret)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the 'X-Admin-Secret' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			logging.L(c.Request.Context()).Warn("rejected operator request", "path", c.FullPath(), "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
