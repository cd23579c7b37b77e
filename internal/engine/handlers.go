package engine

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for transaction evaluation.
type Handler struct {
	orchestrator *Orchestrator
	store        Store
}

// NewHandler creates a new evaluation handler.
func NewHandler(orchestrator *Orchestrator, store Store) *Handler {
	return &Handler{orchestrator: orchestrator, store: store}
}

// RegisterRoutes sets up evaluation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate", h.Evaluate)
	r.GET("/evaluations/:transactionId", h.GetEvaluation)
	r.GET("/evaluations", h.ListEvaluations)
}

// EvaluateRequest is the inbound evaluation payload. Monetary amounts are
// decimal strings; float JSON numbers are rejected for money fields.
type EvaluateRequest struct {
	TransactionID       string          `json:"transactionId" binding:"required"`
	ActorID             string          `json:"actorId" binding:"required"`
	OrderID             string          `json:"orderId"`
	Amount              string          `json:"amount" binding:"required"`
	Currency            string          `json:"currency" binding:"required"`
	IPAddress           string          `json:"ipAddress" binding:"required"`
	UserAgent           string          `json:"userAgent"`
	DeviceType          string          `json:"deviceType"`
	EmailDomain         string          `json:"emailDomain"`
	CardPrefix          string          `json:"cardPrefix"`
	DeclaredAddress     *Address        `json:"declaredAddress"`
	SessionContext      *SessionContext `json:"sessionContext"`
	HistoricalAvgAmount string          `json:"historicalAvgAmount"`
}

// Evaluate handles POST /v1/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must be a decimal string",
		})
		return
	}

	var historicalAvg decimal.Decimal
	if req.HistoricalAvgAmount != "" {
		historicalAvg, err = decimal.NewFromString(req.HistoricalAvgAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "historicalAvgAmount must be a decimal string",
			})
			return
		}
	}

	tx := &Transaction{
		ID:              req.TransactionID,
		ActorID:         req.ActorID,
		OrderID:         req.OrderID,
		Amount:          amount,
		Currency:        req.Currency,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		DeviceType:      req.DeviceType,
		EmailDomain:     req.EmailDomain,
		CardPrefix:      req.CardPrefix,
		DeclaredAddress: req.DeclaredAddress,
		Session:         req.SessionContext,
		HistoricalAvg:   historicalAvg,
		CreatedAt:       time.Now().UTC(),
	}

	result, err := h.orchestrator.Evaluate(c.Request.Context(), tx)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetEvaluation handles GET /v1/evaluations/:transactionId
func (h *Handler) GetEvaluation(c *gin.Context) {
	result, err := h.store.GetResult(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Evaluation not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load evaluation",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListEvaluations handles GET /v1/evaluations?actorId=...&limit=...
func (h *Handler) ListEvaluations(c *gin.Context) {
	actorID := c.Query("actorId")
	if actorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId query parameter is required",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 200",
			})
			return
		}
		limit = n
	}

	results, err := h.store.ListByActor(c.Request.Context(), actorID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list evaluations",
		})
		return
	}
	if results == nil {
		results = []*EvaluationResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"actorId":     actorID,
		"evaluations": results,
		"count":       len(results),
	})
}
