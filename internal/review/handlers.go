package review

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the review queue.
type Handler struct {
	service *Service
}

// NewHandler creates a new review handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up review queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/review/queue", h.ListQueue)
	r.GET("/review/queue/stats", h.QueueStats)
	r.GET("/review/items/:id", h.GetItem)
	r.POST("/review/items/:id/assign", h.AssignItem)
	r.POST("/review/items/:id/complete", h.CompleteItem)
}

// ListQueue handles GET /v1/review/queue?status=...&cursor=...&limit=...
func (h *Handler) ListQueue(c *gin.Context) {
	status := Status(c.Query("status"))
	switch status {
	case "", StatusPending, StatusInReview, StatusCompleted:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status must be pending, in_review, or completed",
		})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	items, next, more, err := h.service.ListQueue(c.Request.Context(), status, c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if items == nil {
		items = []*Item{}
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"count":       len(items),
		"next_cursor": next,
		"has_more":    more,
	})
}

// QueueStats handles GET /v1/review/queue/stats
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute queue stats",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetItem handles GET /v1/review/items/:id
func (h *Handler) GetItem(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// AssignRequest is the inbound assignment payload.
type AssignRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

// AssignItem handles POST /v1/review/items/:id/assign
func (h *Handler) AssignItem(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reviewer is required",
		})
		return
	}

	item, err := h.service.Assign(c.Request.Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// CompleteRequest is the inbound completion payload.
type CompleteRequest struct {
	Verdict Verdict `json:"verdict" binding:"required"`
	Notes   string  `json:"notes"`
}

// CompleteItem handles POST /v1/review/items/:id/complete
func (h *Handler) CompleteItem(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "verdict is required",
		})
		return
	}

	item, spawned, err := h.service.Complete(c.Request.Context(), c.Param("id"), req.Verdict, req.Notes)
	if err != nil {
		h.renderError(c, err)
		return
	}

	resp := gin.H{"item": item}
	if spawned != nil {
		resp["escalatedTo"] = spawned
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var conflict *ConflictError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Review item not found",
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   conflict.Code,
			"message": conflict.Message,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	}
}
