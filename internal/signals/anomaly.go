package signals

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/meridianpay/riskengine/internal/anomaly"
	"github.com/meridianpay/riskengine/internal/engine"
)

// AnomalyCollector scores checkout-session behavior with the external
// anomaly model. The model returns a probability in [0, 1] which is scaled
// onto this signal's contribution band.
type AnomalyCollector struct {
	scorer  anomaly.Scorer
	timeout time.Duration
}

func NewAnomalyCollector(scorer anomaly.Scorer) *AnomalyCollector {
	return &AnomalyCollector{scorer: scorer, timeout: DefaultNetworkTimeout}
}

func (c *AnomalyCollector) WithTimeout(d time.Duration) *AnomalyCollector {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *AnomalyCollector) FactorType() engine.FactorType { return engine.FactorAnomaly }
func (c *AnomalyCollector) Timeout() time.Duration        { return c.timeout }

func (c *AnomalyCollector) Collect(ctx context.Context, tx *engine.Transaction) (*engine.RiskFactor, error) {
	if tx.Session == nil {
		return &engine.RiskFactor{
			Type:        engine.FactorAnomaly,
			Score:       0,
			Description: "no session context to score",
			Severity:    engine.SeverityInfo,
			Source:      "anomaly_model",
		}, nil
	}

	features := featuresFor(tx)
	prob, err := c.scorer.Score(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("anomaly score: %w", err)
	}

	score := int(math.Round(prob * maxAnomalyScore))
	return &engine.RiskFactor{
		Type:        engine.FactorAnomaly,
		Score:       score,
		Description: fmt.Sprintf("anomaly probability %.2f", prob),
		Severity:    engine.SeverityFor(score),
		Source:      "anomaly_model",
		Metadata: map[string]string{
			"probability":    fmt.Sprintf("%.4f", prob),
			"vector_version": anomaly.VectorVersion,
			"vector_hash":    features.Hash(),
		},
	}, nil
}

func featuresFor(tx *engine.Transaction) anomaly.Features {
	amount, _ := tx.Amount.Float64()
	return anomaly.Features{
		Amount:          amount,
		HourOfDay:       tx.CreatedAt.UTC().Hour(),
		SessionDuration: tx.Session.DurationSeconds,
		PagesViewed:     tx.Session.PagesViewed,
		CartAdditions:   tx.Session.CartAdditions,
		NewDevice:       tx.Session.NewDevice,
	}
}
