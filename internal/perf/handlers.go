package perf

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for latency diagnostics.
type Handler struct {
	monitor *Monitor
}

// NewHandler creates a perf handler.
func NewHandler(m *Monitor) *Handler {
	return &Handler{monitor: m}
}

// RegisterRoutes sets up perf endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/perf/summary", h.GetSummary)
	r.GET("/perf/slowest", h.GetSlowest)
}

// GetSummary returns rolling percentiles and SLA status.
func (h *Handler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Summary())
}

// GetSlowest returns the slowest recent evaluations with per-signal breakdown.
func (h *Handler) GetSlowest(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 100",
			})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": h.monitor.Slowest(limit)})
}
