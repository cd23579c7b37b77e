package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianpay/riskengine/internal/engine"
	"github.com/meridianpay/riskengine/internal/threatintel"
)

// ThreatCollector checks transaction indicators (source IP, email domain,
// card BIN) against the static block/allow lists, then against the external
// threat intelligence feed. List hits short-circuit: a blocklisted indicator
// scores 100 on its own and an allowlisted one pins the factor to zero,
// neither consults the feed.
type ThreatCollector struct {
	lists   *threatintel.Lists
	client  threatintel.Client
	timeout time.Duration
}

func NewThreatCollector(lists *threatintel.Lists, client threatintel.Client) *ThreatCollector {
	return &ThreatCollector{lists: lists, client: client, timeout: DefaultNetworkTimeout}
}

func (c *ThreatCollector) WithTimeout(d time.Duration) *ThreatCollector {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *ThreatCollector) FactorType() engine.FactorType { return engine.FactorThreatIntel }
func (c *ThreatCollector) Timeout() time.Duration        { return c.timeout }

func (c *ThreatCollector) Collect(ctx context.Context, tx *engine.Transaction) (*engine.RiskFactor, error) {
	indicators := indicatorsFor(tx)

	allowed := false
	for _, ind := range indicators {
		switch c.lists.Check(ind) {
		case threatintel.ListBlocked:
			return &engine.RiskFactor{
				Type:        engine.FactorThreatIntel,
				Score:       blocklistScore,
				Description: fmt.Sprintf("indicator %s is blocklisted", ind),
				Severity:    engine.SeverityHigh,
				Source:      "static_list",
				Metadata:    map[string]string{"indicator": ind.String(), "verdict": "blocked"},
			}, nil
		case threatintel.ListAllowed:
			allowed = true
		}
	}
	if allowed {
		return &engine.RiskFactor{
			Type:        engine.FactorThreatIntel,
			Score:       0,
			Description: "indicator is allowlisted",
			Severity:    engine.SeverityInfo,
			Source:      "static_list",
			Metadata:    map[string]string{"verdict": "allowed"},
		}, nil
	}

	// Feed lookups, highest reputation wins. Individual lookup failures are
	// tolerated as long as at least one indicator resolved.
	var (
		worst     *threatintel.Reputation
		worstInd  threatintel.Indicator
		resolved  int
		lookupErr error
	)
	for _, ind := range indicators {
		rep, err := c.client.Lookup(ctx, ind)
		if err != nil {
			lookupErr = err
			continue
		}
		resolved++
		if worst == nil || levelRank(rep.Level) > levelRank(worst.Level) {
			worst = rep
			worstInd = ind
		}
	}
	if resolved == 0 {
		return nil, fmt.Errorf("threat feed lookup: %w", lookupErr)
	}

	score := threatScore(worst.Level)
	return &engine.RiskFactor{
		Type:        engine.FactorThreatIntel,
		Score:       score,
		Description: fmt.Sprintf("threat level %s for %s", worst.Level, worstInd),
		Severity:    engine.SeverityFor(score),
		Source:      worst.Source,
		Metadata: map[string]string{
			"indicator":  worstInd.String(),
			"level":      string(worst.Level),
			"confidence": fmt.Sprintf("%.0f", worst.Confidence),
		},
	}, nil
}

func indicatorsFor(tx *engine.Transaction) []threatintel.Indicator {
	inds := []threatintel.Indicator{{Kind: threatintel.KindIP, Value: tx.IPAddress}}
	if tx.EmailDomain != "" {
		inds = append(inds, threatintel.Indicator{Kind: threatintel.KindDomain, Value: tx.EmailDomain})
	}
	if tx.CardPrefix != "" {
		inds = append(inds, threatintel.Indicator{Kind: threatintel.KindCardPrefix, Value: tx.CardPrefix})
	}
	return inds
}

func levelRank(l threatintel.Level) int {
	switch l {
	case threatintel.LevelHigh:
		return 3
	case threatintel.LevelMedium:
		return 2
	case threatintel.LevelLow:
		return 1
	default:
		return 0
	}
}

func threatScore(l threatintel.Level) int {
	switch l {
	case threatintel.LevelHigh:
		return maxThreatScore
	case threatintel.LevelMedium:
		return 30
	case threatintel.LevelLow:
		return 10
	default:
		return 0
	}
}
