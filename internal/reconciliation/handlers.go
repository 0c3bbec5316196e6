package reconciliation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hillside/hillside-escrow/internal/chains"
	"github.com/hillside/hillside-escrow/internal/logging"
)

// Listing bounds for GET /v2/escrow/reconciliation.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// Handler serves the reconciliation endpoints.
type Handler struct {
	engine *Engine
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(engine *Engine, runner *Runner) *Handler {
	return &Handler{engine: engine, runner: runner}
}

// RegisterAdminRoutes sets up operator-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/reconciliation", h.ListReconciliation)
	r.GET("/escrow/reconciliation-monitor", h.GetMonitor)
	r.POST("/escrow/reconciliation-monitor/run", h.RunMonitor)
}

// ListReconciliation handles GET /v2/escrow/reconciliation
func (h *Handler) ListReconciliation(c *gin.Context) {
	limit, ok := queryInt(c, "limit", DefaultPageLimit, 1, MaxPageLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "limit must be an integer between 1 and " + strconv.Itoa(MaxPageLimit),
		})
		return
	}
	offset, ok := queryInt(c, "offset", 0, 0, -1)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "offset must be a non-negative integer",
		})
		return
	}

	report, err := h.engine.Inspect(c.Request.Context(), c.Query("chain_key"), limit, offset)
	if err != nil {
		if chains.IsRequestError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chain", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("escrow reconciliation listing failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "reconciliation_unavailable",
			"message": "Unable to load escrow reconciliation data",
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// GetMonitor handles GET /v2/escrow/reconciliation-monitor
func (h *Handler) GetMonitor(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.State().Snapshot())
}

// RunMonitor handles POST /v2/escrow/reconciliation-monitor/run
func (h *Handler) RunMonitor(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.RunOnce(c.Request.Context()))
}

// queryInt parses an optional integer query parameter. max < 0 means no
// upper bound.
func queryInt(c *gin.Context, name string, def, min, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || (max >= 0 && v > max) {
		return 0, false
	}
	return v, true
}
