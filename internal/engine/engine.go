// Package engine implements real-time risk decisions for checkout transactions.
//
// Every transaction is scored by independent signal collectors running
// concurrently under one deadline. Factor scores are additive and the total
// is clamped to 0-100: one strong signal (a confirmed threat-intel hit) can
// push a transaction into the block band on its own. Blocked transactions
// are routed to the human review queue exactly once.
//
// The engine fails open. A signal that cannot be computed contributes zero;
// a total outage still returns an approve decision within the deadline, with
// the transaction flagged degraded and queued for post-hoc review.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates no evaluation exists for a transaction ID.
	ErrNotFound = errors.New("evaluation not found")
)

// FactorType identifies which signal produced a risk factor.
type FactorType string

const (
	FactorAmountThreshold  FactorType = "amount_threshold"
	FactorVelocity         FactorType = "velocity"
	FactorLocationMismatch FactorType = "location_mismatch"
	FactorThreatIntel      FactorType = "threat_intel"
	FactorAnomaly          FactorType = "anomaly"
)

// Severity grades one factor's contribution.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RiskLevel classifies a composite score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Decision is the engine's verdict returned to the checkout flow.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionAdditionalAuth Decision = "additional_auth_required"
	DecisionBlocked        Decision = "blocked"
)

// Classification thresholds. Fixed so a decision is exactly reproducible
// from its score.
const (
	lowMax    = 30
	mediumMax = 79
)

// Classify maps a composite score to a risk level.
func Classify(score int) RiskLevel {
	switch {
	case score <= lowMax:
		return RiskLow
	case score <= mediumMax:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Decide maps a risk level to a decision. Pure, no hidden state.
func Decide(level RiskLevel) Decision {
	switch level {
	case RiskLow:
		return DecisionApprove
	case RiskMedium:
		return DecisionAdditionalAuth
	default:
		return DecisionBlocked
	}
}

// ClampScore bounds a composite score to [0, 100].
func ClampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// SeverityFor grades a factor by its score contribution.
func SeverityFor(score int) Severity {
	switch {
	case score <= 0:
		return SeverityInfo
	case score <= 15:
		return SeverityLow
	case score <= 30:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Address is a declared shipping address, compared against IP geolocation.
type Address struct {
	Country string `json:"country"` // ISO 3166-1 alpha-2
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// SessionContext carries checkout-session behavior used by the anomaly model.
type SessionContext struct {
	DurationSeconds float64 `json:"durationSeconds"`
	PagesViewed     int     `json:"pagesViewed"`
	CartAdditions   int     `json:"cartAdditions"`
	NewDevice       bool    `json:"newDevice"`
}

// Transaction is one evaluation request. Immutable once persisted.
type Transaction struct {
	ID              string          `json:"id"`
	ActorID         string          `json:"actorId"`
	OrderID         string          `json:"orderId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	IPAddress       string          `json:"ipAddress"`
	UserAgent       string          `json:"userAgent,omitempty"`
	DeviceType      string          `json:"deviceType,omitempty"`
	EmailDomain     string          `json:"emailDomain,omitempty"`
	CardPrefix      string          `json:"cardPrefix,omitempty"` // issuer BIN, first 6 digits
	DeclaredAddress *Address        `json:"declaredAddress,omitempty"`
	Session         *SessionContext `json:"sessionContext,omitempty"`
	HistoricalAvg   decimal.Decimal `json:"historicalAvgAmount,omitempty"` // actor's average order, if known
	CreatedAt       time.Time       `json:"createdAt"`
}

// Validate checks the required inbound fields.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("transactionId is required")
	}
	if t.ActorID == "" {
		return fmt.Errorf("actorId is required")
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if t.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if t.IPAddress == "" {
		return fmt.Errorf("ipAddress is required")
	}
	return nil
}

// RiskFactor is one signal's contribution to the composite score.
type RiskFactor struct {
	Type        FactorType        `json:"factorType"`
	Score       int               `json:"score"` // 0-100
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SkippedFactor builds the zero-contribution factor recorded when a signal
// could not be computed. Skips are informational, never errors.
func SkippedFactor(t FactorType, reason string) *RiskFactor {
	return &RiskFactor{
		Type:        t,
		Score:       0,
		Description: "skipped: " + reason,
		Severity:    SeverityInfo,
		Metadata:    map[string]string{"skipped": "true", "reason": reason},
	}
}

// EvaluationResult is the engine's output. Computed once, never mutated;
// a later human review changes the ReviewItem, not this record.
type EvaluationResult struct {
	TransactionID    string       `json:"transactionId"`
	RiskScore        int          `json:"riskScore"`
	RiskLevel        RiskLevel    `json:"riskLevel"`
	Decision         Decision     `json:"decision"`
	Degraded         bool         `json:"degraded"`
	RiskFactors      []RiskFactor `json:"riskFactors"`
	EvaluationTimeMs int64        `json:"evaluationTimeMs"`
	ReviewQueueID    string       `json:"reviewQueueId,omitempty"`
	EvaluatedAt      time.Time    `json:"evaluatedAt"`
}

// Collector computes one RiskFactor from transaction context. Collectors are
// side-effect free with respect to the decision: any failure is recovered by
// the orchestrator and becomes a skipped factor.
type Collector interface {
	FactorType() FactorType
	// Timeout is this collector's own budget, strictly shorter than the
	// overall evaluation deadline.
	Timeout() time.Duration
	Collect(ctx context.Context, tx *Transaction) (*RiskFactor, error)
}

// Store persists evaluations for audit and idempotent replay.
type Store interface {
	// SaveEvaluation writes the transaction, its factors, and the result.
	// Append-only; saving the same transaction ID twice is a no-op.
	SaveEvaluation(ctx context.Context, tx *Transaction, result *EvaluationResult) error
	// GetResult returns the persisted result, or ErrNotFound.
	GetResult(ctx context.Context, transactionID string) (*EvaluationResult, error)
	// ListByActor returns the most recent results for an actor, newest first.
	ListByActor(ctx context.Context, actorID string, limit int) ([]*EvaluationResult, error)
}

// ReviewQueue routes blocked transactions to human review. Enqueue returns
// the review item ID, or "" when an item already exists for the transaction.
type ReviewQueue interface {
	Enqueue(ctx context.Context, transactionID string) (string, error)
}
