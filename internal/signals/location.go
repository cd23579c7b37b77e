package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meridianpay/riskengine/internal/engine"
	"github.com/meridianpay/riskengine/internal/geo"
)

// LocationCollector compares the transaction's IP geolocation against the
// declared shipping address.
type LocationCollector struct {
	resolver geo.Resolver
	timeout  time.Duration
}

func NewLocationCollector(resolver geo.Resolver) *LocationCollector {
	return &LocationCollector{resolver: resolver, timeout: DefaultLocalTimeout}
}

func (c *LocationCollector) WithTimeout(d time.Duration) *LocationCollector {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *LocationCollector) FactorType() engine.FactorType { return engine.FactorLocationMismatch }
func (c *LocationCollector) Timeout() time.Duration        { return c.timeout }

func (c *LocationCollector) Collect(_ context.Context, tx *engine.Transaction) (*engine.RiskFactor, error) {
	if tx.DeclaredAddress == nil || tx.DeclaredAddress.Country == "" {
		return &engine.RiskFactor{
			Type:        engine.FactorLocationMismatch,
			Score:       0,
			Description: "no declared address to compare",
			Severity:    engine.SeverityInfo,
			Source:      "geoip",
		}, nil
	}

	loc, err := c.resolver.Resolve(tx.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", tx.IPAddress, err)
	}

	declared := strings.ToUpper(tx.DeclaredAddress.Country)
	score := 0
	desc := fmt.Sprintf("ip country %s matches declared address", loc.CountryCode)
	switch {
	case loc.CountryCode != declared:
		score = maxLocationScore
		desc = fmt.Sprintf("ip country %s does not match declared %s", loc.CountryCode, declared)
	case tx.DeclaredAddress.Region != "" && loc.Region != "" &&
		!strings.EqualFold(loc.Region, tx.DeclaredAddress.Region):
		score = 15
		desc = fmt.Sprintf("ip region %s does not match declared %s", loc.Region, tx.DeclaredAddress.Region)
	}

	return &engine.RiskFactor{
		Type:        engine.FactorLocationMismatch,
		Score:       score,
		Description: desc,
		Severity:    engine.SeverityFor(score),
		Source:      "geoip",
		Metadata: map[string]string{
			"ip_country":       loc.CountryCode,
			"declared_country": declared,
		},
	}, nil
}
