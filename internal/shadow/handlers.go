package shadow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hillside/hillside-escrow/internal/chains"
	"github.com/hillside/hillside-escrow/internal/logging"
)

// Cleanup batch bounds.
const (
	DefaultCleanupLimit = 100
	MaxCleanupLimit     = 500
)

// Handler serves the shadow cleanup endpoint.
type Handler struct {
	manager  *Manager
	registry *chains.Registry
}

// NewHandler creates a new shadow cleanup handler.
func NewHandler(manager *Manager, registry *chains.Registry) *Handler {
	return &Handler{manager: manager, registry: registry}
}

// RegisterAdminRoutes sets up operator-only shadow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/cleanup-shadow", h.CleanupShadow)
}

// CleanupRequest is the body of POST /v2/escrow/cleanup-shadow. All fields
// are optional.
type CleanupRequest struct {
	ChainKey string `json:"chainKey"`
	Limit    *int   `json:"limit"`
	Execute  bool   `json:"execute"`
}

// CleanupShadow handles POST /v2/escrow/cleanup-shadow
func (h *Handler) CleanupShadow(c *gin.Context) {
	var req CleanupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	limit := DefaultCleanupLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit < 1 || limit > MaxCleanupLimit {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "limit must be between 1 and 500",
		})
		return
	}

	// Cleanup is allowed on a disabled chain: stale rows outlive the rollout.
	key := h.registry.Resolve(req.ChainKey)
	if _, ok := h.registry.Lookup(key); !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_chain",
			"message": "Unsupported chain_key '" + key + "'.",
		})
		return
	}

	report, err := h.manager.Cleanup(c.Request.Context(), key, limit, req.Execute)
	if err != nil {
		logging.L(c.Request.Context()).Error("shadow escrow cleanup failed", "chain", key, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "cleanup_unavailable",
			"message": "Unable to load shadow escrow rows",
		})
		return
	}

	c.JSON(http.StatusOK, report)
}
