package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianpay/riskengine/internal/engine"
)

// AmountCollector scores a transaction by how far its amount sits above the
// actor's usual spend. Purely local, no I/O.
type AmountCollector struct {
	baseline decimal.Decimal // fallback average for actors without history
	timeout  time.Duration
}

func NewAmountCollector(baseline decimal.Decimal) *AmountCollector {
	return &AmountCollector{baseline: baseline, timeout: DefaultLocalTimeout}
}

func (c *AmountCollector) WithTimeout(d time.Duration) *AmountCollector {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *AmountCollector) FactorType() engine.FactorType { return engine.FactorAmountThreshold }
func (c *AmountCollector) Timeout() time.Duration        { return c.timeout }

func (c *AmountCollector) Collect(_ context.Context, tx *engine.Transaction) (*engine.RiskFactor, error) {
	avg := tx.HistoricalAvg
	avgSource := "actor_history"
	if !avg.IsPositive() {
		avg = c.baseline
		avgSource = "global_baseline"
	}
	if !avg.IsPositive() {
		return &engine.RiskFactor{
			Type:        engine.FactorAmountThreshold,
			Score:       0,
			Description: "no spend baseline available",
			Severity:    engine.SeverityInfo,
			Source:      "amount_model",
		}, nil
	}

	ratio, _ := tx.Amount.Div(avg).Float64()
	score := amountScore(ratio)

	return &engine.RiskFactor{
		Type:        engine.FactorAmountThreshold,
		Score:       score,
		Description: fmt.Sprintf("amount is %.1fx the %s average", ratio, avgSource),
		Severity:    engine.SeverityFor(score),
		Source:      "amount_model",
		Metadata: map[string]string{
			"ratio":      fmt.Sprintf("%.2f", ratio),
			"average":    avg.String(),
			"avg_source": avgSource,
		},
	}, nil
}

// amountScore tiers the spend ratio. Anything under 1.5x the average is
// normal buying behavior and contributes nothing.
func amountScore(ratio float64) int {
	switch {
	case ratio < 1.5:
		return 0
	case ratio < 2.5:
		return 10
	case ratio < 4:
		return 20
	case ratio < 8:
		return 30
	default:
		return maxAmountScore
	}
}
