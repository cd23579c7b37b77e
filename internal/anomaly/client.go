package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/circuitbreaker"
)

// ErrUnavailable is returned when the scorer cannot be reached,
// including when the circuit breaker is open.
var ErrUnavailable = errors.New("anomaly scorer unavailable")

// breakerKey identifies this dependency in the shared circuit breaker.
const breakerKey = "anomaly"

type scoreRequest struct {
	VectorVersion string    `json:"vectorVersion"`
	Features      []float64 `json:"features"`
}

type scoreResponse struct {
	Probability  float64 `json:"probability"`
	ModelVersion string  `json:"modelVersion"`
}

// HTTPScorer calls the external ML scorer over HTTP. One instance is shared
// across concurrent evaluations.
type HTTPScorer struct {
	baseURL      string
	client       *http.Client
	modelVersion atomic.Value // string, last version reported by the scorer
}

// NewHTTPScorer creates a scorer client with a hard per-call timeout.
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ModelVersion reports the model version from the most recent response.
func (s *HTTPScorer) ModelVersion() string {
	v, _ := s.modelVersion.Load().(string)
	return v
}

func (s *HTTPScorer) Score(ctx context.Context, features Features) (float64, error) {
	body, err := json.Marshal(scoreRequest{
		VectorVersion: VectorVersion,
		Features:      features.Vector(),
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("decode score: %w", err)
	}
	if sr.Probability < 0 || sr.Probability > 1 {
		return 0, fmt.Errorf("scorer returned probability outside [0,1]: %f", sr.Probability)
	}
	s.modelVersion.Store(sr.ModelVersion)
	return sr.Probability, nil
}

// MemoizedScorer wraps a Scorer with cache memoization keyed by the feature
// vector hash, plus a circuit breaker. Identical recent inputs skip inference.
type MemoizedScorer struct {
	inner   Scorer
	cache   cache.Cache
	breaker *circuitbreaker.Breaker
	ttl     time.Duration
}

// NewMemoizedScorer layers memoization and circuit breaking over inner.
func NewMemoizedScorer(inner Scorer, c cache.Cache, breaker *circuitbreaker.Breaker, ttl time.Duration) *MemoizedScorer {
	return &MemoizedScorer{inner: inner, cache: c, breaker: breaker, ttl: ttl}
}

func (m *MemoizedScorer) Score(ctx context.Context, features Features) (float64, error) {
	key := cache.AnomalyKey(features.Hash())

	if cached, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		if p, err := strconv.ParseFloat(cached, 64); err == nil {
			return p, nil
		}
	}

	if m.breaker != nil && !m.breaker.Allow(breakerKey) {
		return 0, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	p, err := m.inner.Score(ctx, features)
	if err != nil {
		if m.breaker != nil {
			m.breaker.RecordFailure(breakerKey)
		}
		return 0, err
	}
	if m.breaker != nil {
		m.breaker.RecordSuccess(breakerKey)
	}

	_ = m.cache.SetWithTTL(ctx, key, strconv.FormatFloat(p, 'g', -1, 64), m.ttl)
	return p, nil
}
