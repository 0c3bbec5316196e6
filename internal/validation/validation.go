// Package validation holds input checks shared by the API and configuration.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds operator request bodies (64KB).
const MaxRequestSize = 64 << 10

// MaxReservationIDLength bounds a reservation id.
const MaxReservationIDLength = 128

var (
	ethAddressRegex    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	reservationIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks for a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidReservationID accepts UUIDs and booking platform ids: letters,
// digits, '-' and '_', not starting with a separator.
func IsValidReservationID(id string) bool {
	return len(id) <= MaxReservationIDLength && reservationIDRegex.MatchString(id)
}

// SanitizeString trims, strips NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ReservationParamMiddleware rejects a malformed :reservationId early.
func ReservationParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsValidReservationID(c.Param("reservationId")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "reservationId must be 1-128 letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}
