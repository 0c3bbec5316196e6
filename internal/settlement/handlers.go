package settlement

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hillside/hillside-escrow/internal/validation"
)

// Handler accepts booking lifecycle events from the booking platform.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new lifecycle event handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterAdminRoutes sets up the operator-only event route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/bookings/:reservationId/events", validation.ReservationParamMiddleware(), h.PostEvent)
}

// EventRequest is the body of a lifecycle event.
type EventRequest struct {
	Event string `json:"event" binding:"required"`
}

// PostEvent handles POST /v2/escrow/bookings/:reservationId/events
//
// The hook runs in the background and the response is 202. With ?wait=true
// the hook runs inline and its outcome is returned.
func (h *Handler) PostEvent(c *gin.Context) {
	reservationID := strings.TrimSpace(c.Param("reservationId"))
	if reservationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reservationId is required"})
		return
	}

	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "event is required"})
		return
	}
	event, ok := ParseEvent(strings.ToLower(strings.TrimSpace(req.Event)))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": "event must be one of created, checked_in, cancelled",
		})
		return
	}

	if c.Query("wait") == "true" {
		out := h.coordinator.Handle(c.Request.Context(), event, reservationID)
		c.JSON(http.StatusOK, gin.H{"outcome": out, "error": out.Error()})
		return
	}

	if err := h.coordinator.Dispatch(event, reservationID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "event": event, "reservationId": reservationID})
}
