package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/circuitbreaker"
)

// ErrUnavailable is returned when the collaborator cannot be reached,
// including when the circuit breaker is open.
var ErrUnavailable = errors.New("threat intelligence unavailable")

// breakerKey identifies this dependency in the shared circuit breaker.
const breakerKey = "threatintel"

// HTTPClient calls the external reputation collaborator.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client with a hard per-call timeout. The timeout
// must be shorter than the collector budget so a slow collaborator degrades
// the signal instead of the evaluation.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Lookup(ctx context.Context, ind Indicator) (*Reputation, error) {
	body, err := json.Marshal(ind)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var rep Reputation
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode reputation: %w", err)
	}
	return &rep, nil
}

// CachedClient wraps a Client with cache-aside memoization and a circuit
// breaker. Hits never touch the collaborator; misses write back with a TTL.
type CachedClient struct {
	inner   Client
	cache   cache.Cache
	breaker *circuitbreaker.Breaker
	ttl     time.Duration
}

// NewCachedClient layers caching and circuit breaking over inner.
func NewCachedClient(inner Client, c cache.Cache, breaker *circuitbreaker.Breaker, ttl time.Duration) *CachedClient {
	return &CachedClient{inner: inner, cache: c, breaker: breaker, ttl: ttl}
}

func (c *CachedClient) Lookup(ctx context.Context, ind Indicator) (*Reputation, error) {
	key := cache.ThreatKey(string(ind.Kind), ind.Value)

	if cached, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		var rep Reputation
		if err := json.Unmarshal([]byte(cached), &rep); err == nil {
			return &rep, nil
		}
		// Corrupt cache entry falls through to a fresh lookup.
	}

	if c.breaker != nil && !c.breaker.Allow(breakerKey) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	rep, err := c.inner.Lookup(ctx, ind)
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure(breakerKey)
		}
		return nil, err
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess(breakerKey)
	}

	if data, err := json.Marshal(rep); err == nil {
		// Best effort: a failed write-back only costs the next caller a lookup.
		_ = c.cache.SetWithTTL(ctx, key, string(data), c.ttl)
	}
	return rep, nil
}
