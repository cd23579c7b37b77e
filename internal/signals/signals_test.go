package signals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/riskengine/internal/anomaly"
	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/engine"
	"github.com/meridianpay/riskengine/internal/geo"
	"github.com/meridianpay/riskengine/internal/threatintel"
)

func testTransaction() *engine.Transaction {
	return &engine.Transaction{
		ID:        "tx_sig",
		ActorID:   "actor_sig",
		Amount:    decimal.NewFromInt(100),
		Currency:  "USD",
		IPAddress: "203.0.113.10",
		CreatedAt: time.Date(2025, 6, 1, 3, 15, 0, 0, time.UTC),
	}
}

func TestAmountCollector(t *testing.T) {
	c := NewAmountCollector(decimal.NewFromInt(250))

	tests := []struct {
		name   string
		amount int64
		avg    int64 // actor history, 0 means unknown
		want   int
	}{
		{"normal spend", 100, 100, 0},
		{"just under double", 140, 100, 0},
		{"double the average", 200, 100, 10},
		{"triple", 300, 100, 20},
		{"five times", 500, 100, 30},
		{"ten times", 1000, 100, maxAmountScore},
		{"baseline fallback", 2000, 0, 40}, // 8x the 250 baseline
		{"baseline normal", 200, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := testTransaction()
			tx.Amount = decimal.NewFromInt(tt.amount)
			tx.HistoricalAvg = decimal.NewFromInt(tt.avg)

			f, err := c.Collect(context.Background(), tx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Score)
			assert.Equal(t, engine.FactorAmountThreshold, f.Type)
			assert.Equal(t, engine.SeverityFor(tt.want), f.Severity)
		})
	}
}

func TestAmountCollectorNoBaseline(t *testing.T) {
	c := NewAmountCollector(decimal.Zero)
	tx := testTransaction()

	f, err := c.Collect(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Score)
	assert.Equal(t, engine.SeverityInfo, f.Severity)
}

func TestVelocityCollector(t *testing.T) {
	mem := cache.NewMemory()
	t.Cleanup(mem.Close)
	c := NewVelocityCollector(mem, 5*time.Minute, 3)

	tx := testTransaction()
	var last *engine.RiskFactor
	for i := 0; i < 5; i++ {
		f, err := c.Collect(context.Background(), tx)
		require.NoError(t, err)
		last = f
	}

	// 5th transaction in the window, threshold 3: 2 over at 10 points each.
	assert.Equal(t, 20, last.Score)
	assert.Equal(t, engine.FactorVelocity, last.Type)
	assert.Equal(t, "5", last.Metadata["actor_count"])
}

func TestVelocityCollectorIPDimensionWins(t *testing.T) {
	mem := cache.NewMemory()
	t.Cleanup(mem.Close)
	c := NewVelocityCollector(mem, 5*time.Minute, 2)

	// Five different actors from one IP: card testing shape.
	var last *engine.RiskFactor
	for i := 0; i < 5; i++ {
		tx := testTransaction()
		tx.ActorID = "actor_" + string(rune('a'+i))
		f, err := c.Collect(context.Background(), tx)
		require.NoError(t, err)
		last = f
	}

	assert.Equal(t, 30, last.Score)
	assert.Equal(t, "5", last.Metadata["ip_count"])
	assert.Equal(t, "1", last.Metadata["actor_count"])
}

func TestVelocityCollectorCaps(t *testing.T) {
	mem := cache.NewMemory()
	t.Cleanup(mem.Close)
	c := NewVelocityCollector(mem, time.Minute, 1)

	tx := testTransaction()
	var last *engine.RiskFactor
	for i := 0; i < 20; i++ {
		f, err := c.Collect(context.Background(), tx)
		require.NoError(t, err)
		last = f
	}
	assert.Equal(t, maxVelocityScore, last.Score)
}

func TestLocationCollector(t *testing.T) {
	resolver := geo.NewStatic()
	require.NoError(t, resolver.Add("203.0.113.0/24", "US", "CA"))
	require.NoError(t, resolver.Add("198.51.100.0/24", "DE", "BY"))
	c := NewLocationCollector(resolver)

	t.Run("country match", func(t *testing.T) {
		tx := testTransaction()
		tx.DeclaredAddress = &engine.Address{Country: "US", Region: "CA"}
		f, err := c.Collect(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, 0, f.Score)
	})

	t.Run("region mismatch", func(t *testing.T) {
		tx := testTransaction()
		tx.DeclaredAddress = &engine.Address{Country: "US", Region: "NY"}
		f, err := c.Collect(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, 15, f.Score)
	})

	t.Run("country mismatch", func(t *testing.T) {
		tx := testTransaction()
		tx.IPAddress = "198.51.100.7"
		tx.DeclaredAddress = &engine.Address{Country: "US"}
		f, err := c.Collect(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, maxLocationScore, f.Score)
		assert.Equal(t, "DE", f.Metadata["ip_country"])
	})

	t.Run("no declared address", func(t *testing.T) {
		f, err := c.Collect(context.Background(), testTransaction())
		require.NoError(t, err)
		assert.Equal(t, 0, f.Score)
		assert.Equal(t, engine.SeverityInfo, f.Severity)
	})

	t.Run("unresolvable ip is an error", func(t *testing.T) {
		tx := testTransaction()
		tx.IPAddress = "192.0.2.55"
		tx.DeclaredAddress = &engine.Address{Country: "US"}
		_, err := c.Collect(context.Background(), tx)
		assert.Error(t, err)
	})
}

// stubThreatClient returns a scripted reputation per indicator kind.
type stubThreatClient struct {
	byKind map[threatintel.Kind]*threatintel.Reputation
	err    error
}

func (s *stubThreatClient) Lookup(_ context.Context, ind threatintel.Indicator) (*threatintel.Reputation, error) {
	if s.err != nil {
		return nil, s.err
	}
	if rep, ok := s.byKind[ind.Kind]; ok {
		return rep, nil
	}
	return &threatintel.Reputation{Level: threatintel.LevelLow, Source: "stub", Confidence: 10}, nil
}

func mustLists(t *testing.T, block, allow []string) *threatintel.Lists {
	t.Helper()
	l, err := threatintel.NewLists(block, allow)
	require.NoError(t, err)
	return l
}

func TestThreatCollectorBlocklistShortCircuits(t *testing.T) {
	lists := mustLists(t, []string{"ip:203.0.113.10"}, nil)
	client := &stubThreatClient{err: errors.New("feed must not be called")}
	c := NewThreatCollector(lists, client)

	f, err := c.Collect(context.Background(), testTransaction())
	require.NoError(t, err)
	assert.Equal(t, blocklistScore, f.Score)
	assert.Equal(t, engine.SeverityHigh, f.Severity)
	assert.Equal(t, "static_list", f.Source)
	assert.Equal(t, "blocked", f.Metadata["verdict"])
}

func TestThreatCollectorAllowlistPinsZero(t *testing.T) {
	lists := mustLists(t, nil, []string{"ip:203.0.113.10"})
	client := &stubThreatClient{err: errors.New("feed must not be called")}
	c := NewThreatCollector(lists, client)

	f, err := c.Collect(context.Background(), testTransaction())
	require.NoError(t, err)
	assert.Equal(t, 0, f.Score)
	assert.Equal(t, "allowed", f.Metadata["verdict"])
}

func TestThreatCollectorHighestLevelWins(t *testing.T) {
	lists := mustLists(t, nil, nil)
	client := &stubThreatClient{byKind: map[threatintel.Kind]*threatintel.Reputation{
		threatintel.KindIP:     {Level: threatintel.LevelLow, Source: "feed", Confidence: 20},
		threatintel.KindDomain: {Level: threatintel.LevelHigh, Source: "feed", Confidence: 95},
	}}
	c := NewThreatCollector(lists, client)

	tx := testTransaction()
	tx.EmailDomain = "tempmail.example"
	f, err := c.Collect(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, maxThreatScore, f.Score)
	assert.Equal(t, "domain:tempmail.example", f.Metadata["indicator"])
}

func TestThreatCollectorFeedOutage(t *testing.T) {
	lists := mustLists(t, nil, nil)
	c := NewThreatCollector(lists, &stubThreatClient{err: threatintel.ErrUnavailable})

	_, err := c.Collect(context.Background(), testTransaction())
	assert.ErrorIs(t, err, threatintel.ErrUnavailable)
}

// stubScorer returns a fixed probability.
type stubScorer struct {
	prob float64
	err  error
}

func (s *stubScorer) Score(_ context.Context, _ anomaly.Features) (float64, error) {
	return s.prob, s.err
}

func TestAnomalyCollector(t *testing.T) {
	c := NewAnomalyCollector(&stubScorer{prob: 0.8})

	tx := testTransaction()
	tx.Session = &engine.SessionContext{DurationSeconds: 42, PagesViewed: 2, CartAdditions: 1, NewDevice: true}

	f, err := c.Collect(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 48, f.Score) // 0.8 * 60
	assert.Equal(t, engine.FactorAnomaly, f.Type)
	assert.Equal(t, anomaly.VectorVersion, f.Metadata["vector_version"])
	assert.NotEmpty(t, f.Metadata["vector_hash"])
}

func TestAnomalyCollectorNoSession(t *testing.T) {
	c := NewAnomalyCollector(&stubScorer{prob: 0.9})

	f, err := c.Collect(context.Background(), testTransaction())
	require.NoError(t, err)
	assert.Equal(t, 0, f.Score)
	assert.Equal(t, engine.SeverityInfo, f.Severity)
}

func TestAnomalyCollectorScorerError(t *testing.T) {
	c := NewAnomalyCollector(&stubScorer{err: anomaly.ErrUnavailable})

	tx := testTransaction()
	tx.Session = &engine.SessionContext{DurationSeconds: 10}
	_, err := c.Collect(context.Background(), tx)
	assert.ErrorIs(t, err, anomaly.ErrUnavailable)
}
