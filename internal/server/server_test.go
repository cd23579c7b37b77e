package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/riskengine/internal/anomaly"
	"github.com/meridianpay/riskengine/internal/config"
	"github.com/meridianpay/riskengine/internal/engine"
	"github.com/meridianpay/riskengine/internal/geo"
	"github.com/meridianpay/riskengine/internal/review"
	"github.com/meridianpay/riskengine/internal/threatintel"
)

type fixedScorer struct{ prob float64 }

func (f fixedScorer) Score(context.Context, anomaly.Features) (float64, error) {
	return f.prob, nil
}

type fixedThreat struct{ level threatintel.Level }

func (f fixedThreat) Lookup(context.Context, threatintel.Indicator) (*threatintel.Reputation, error) {
	return &threatintel.Reputation{Level: f.level, Source: "test", Confidence: 90}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		EvalDeadline:      200 * time.Millisecond,
		CollectorTimeout:  50 * time.Millisecond,
		AnomalyTimeout:    50 * time.Millisecond,
		VelocityWindow:    time.Minute,
		VelocityThreshold: 5,
		Blocklist:         []string{"ip:198.51.100.66"},
		BaselineAvgAmount: "250.00",
		SLATargetP95:      100 * time.Millisecond,
		PerfWindow:        64,
		RateLimitRPM:      10000,
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	resolver := geo.NewStatic()
	require.NoError(t, resolver.Add("203.0.113.0/24", "US", "CA"))

	base := []Option{
		WithGeoResolver(resolver),
		WithThreatClient(fixedThreat{level: threatintel.LevelLow}),
		WithAnomalyScorer(fixedScorer{prob: 0.1}),
	}
	s, err := New(testConfig(), append(base, opts...)...)
	require.NoError(t, err)
	s.orchestrator.Start()
	t.Cleanup(s.orchestrator.Stop)
	return s
}

func post(s *Server, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	return w
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	w = get(s, "/health/live")
	require.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run marks it
	w = get(s, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = get(s, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvaluateThroughFullStack(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"transactionId": "tx_full_1",
		"actorId": "actor_full",
		"amount": "42.00",
		"currency": "USD",
		"ipAddress": "203.0.113.9",
		"declaredAddress": {"country": "US", "region": "CA"},
		"sessionContext": {"durationSeconds": 300, "pagesViewed": 12, "cartAdditions": 2, "newDevice": false}
	}`
	w := post(s, "/v1/evaluate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res engine.EvaluationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, engine.DecisionApprove, res.Decision)
	assert.False(t, res.Degraded)
	assert.Len(t, res.RiskFactors, 5)
}

func TestBlocklistedTransactionIsBlockedAndQueued(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"transactionId": "tx_blocked_1",
		"actorId": "actor_bad",
		"amount": "42.00",
		"currency": "USD",
		"ipAddress": "198.51.100.66"
	}`
	w := post(s, "/v1/evaluate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res engine.EvaluationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, engine.DecisionBlocked, res.Decision)
	assert.Equal(t, 100, res.RiskScore)
	assert.NotEmpty(t, res.ReviewQueueID)

	// The item is visible on the review queue API.
	w = get(s, "/v1/review/queue?status=pending")
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Items []*review.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "tx_blocked_1", page.Items[0].TransactionID)
}

func TestPerfSummaryAfterEvaluations(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"transactionId": "tx_perf_1",
		"actorId": "actor_perf",
		"amount": "10.00",
		"currency": "USD",
		"ipAddress": "203.0.113.9"
	}`
	require.Equal(t, http.StatusOK, post(s, "/v1/evaluate", body).Code)

	w := get(s, "/v1/perf/summary")
	require.Equal(t, http.StatusOK, w.Code)

	var summary struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Count)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := get(s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "riskengine_")
}
