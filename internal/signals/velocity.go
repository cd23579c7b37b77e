package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/engine"
)

// VelocityCollector counts recent transactions per actor and per source IP
// in a rolling window. The counters live in the shared cache so all engine
// instances see the same rates.
type VelocityCollector struct {
	cache     cache.Cache
	window    time.Duration
	threshold int64 // transactions per window considered normal
	timeout   time.Duration
}

func NewVelocityCollector(c cache.Cache, window time.Duration, threshold int64) *VelocityCollector {
	return &VelocityCollector{
		cache:     c,
		window:    window,
		threshold: threshold,
		timeout:   DefaultCacheTimeout,
	}
}

func (c *VelocityCollector) WithTimeout(d time.Duration) *VelocityCollector {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *VelocityCollector) FactorType() engine.FactorType { return engine.FactorVelocity }
func (c *VelocityCollector) Timeout() time.Duration        { return c.timeout }

func (c *VelocityCollector) Collect(ctx context.Context, tx *engine.Transaction) (*engine.RiskFactor, error) {
	actorCount, err := c.cache.IncrementWithExpiry(ctx, cache.VelocityKey("actor", tx.ActorID), c.window)
	if err != nil {
		return nil, fmt.Errorf("actor velocity counter: %w", err)
	}
	ipCount, err := c.cache.IncrementWithExpiry(ctx, cache.VelocityKey("ip", tx.IPAddress), c.window)
	if err != nil {
		return nil, fmt.Errorf("ip velocity counter: %w", err)
	}

	// The hotter dimension wins: card testing shows up on the IP counter
	// even when every attempt uses a fresh actor.
	count := actorCount
	dimension := "actor"
	if ipCount > count {
		count = ipCount
		dimension = "ip"
	}

	score := velocityScore(count, c.threshold)
	return &engine.RiskFactor{
		Type:        engine.FactorVelocity,
		Score:       score,
		Description: fmt.Sprintf("%d transactions per %s in %s window (threshold %d)", count, dimension, c.window, c.threshold),
		Severity:    engine.SeverityFor(score),
		Source:      "velocity_counter",
		Metadata: map[string]string{
			"actor_count": fmt.Sprintf("%d", actorCount),
			"ip_count":    fmt.Sprintf("%d", ipCount),
			"window":      c.window.String(),
		},
	}, nil
}

// velocityScore grows by 10 per transaction over the threshold.
func velocityScore(count, threshold int64) int {
	if count <= threshold {
		return 0
	}
	score := int(count-threshold) * 10
	if score > maxVelocityScore {
		return maxVelocityScore
	}
	return score
}
