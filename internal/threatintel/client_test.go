package threatintel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/circuitbreaker"
)

func TestLists(t *testing.T) {
	l, err := NewLists(
		[]string{"ip:203.0.113.9", "domain:evil.example"},
		[]string{"prefix:411111"},
	)
	require.NoError(t, err)

	assert.Equal(t, ListBlocked, l.Check(Indicator{Kind: KindIP, Value: "203.0.113.9"}))
	assert.Equal(t, ListBlocked, l.Check(Indicator{Kind: KindDomain, Value: "EVIL.example"}))
	assert.Equal(t, ListAllowed, l.Check(Indicator{Kind: KindCardPrefix, Value: "411111"}))
	assert.Equal(t, ListNone, l.Check(Indicator{Kind: KindIP, Value: "198.51.100.1"}))
}

func TestListsRejectsMalformedEntries(t *testing.T) {
	_, err := NewLists([]string{"203.0.113.9"}, nil)
	assert.Error(t, err)

	_, err = NewLists([]string{"asn:12345"}, nil)
	assert.Error(t, err)
}

func TestHTTPClientLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/lookup", r.URL.Path)
		var ind Indicator
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ind))
		assert.Equal(t, KindIP, ind.Kind)
		_ = json.NewEncoder(w).Encode(Reputation{Level: LevelHigh, Source: "feed-a", Confidence: 95})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	rep, err := c.Lookup(context.Background(), Indicator{Kind: KindIP, Value: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, rep.Level)
	assert.Equal(t, float64(95), rep.Confidence)
}

func TestHTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 20*time.Millisecond)
	_, err := c.Lookup(context.Background(), Indicator{Kind: KindIP, Value: "203.0.113.9"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCachedClientHitsSkipCollaborator(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Reputation{Level: LevelMedium, Source: "feed-b", Confidence: 60})
	}))
	defer srv.Close()

	mem := cache.NewMemory()
	defer mem.Close()

	c := NewCachedClient(NewHTTPClient(srv.URL, time.Second), mem, nil, time.Hour)
	ctx := context.Background()
	ind := Indicator{Kind: KindDomain, Value: "sketchy.example"}

	for i := 0; i < 3; i++ {
		rep, err := c.Lookup(ctx, ind)
		require.NoError(t, err)
		assert.Equal(t, LevelMedium, rep.Level)
	}

	assert.Equal(t, int64(1), calls.Load(), "only the first lookup should reach the collaborator")
}

func TestCachedClientCircuitOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mem := cache.NewMemory()
	defer mem.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	c := NewCachedClient(NewHTTPClient(srv.URL, time.Second), mem, breaker, time.Hour)
	ctx := context.Background()

	// Two failures trip the breaker.
	_, err := c.Lookup(ctx, Indicator{Kind: KindIP, Value: "198.51.100.1"})
	require.Error(t, err)
	_, err = c.Lookup(ctx, Indicator{Kind: KindIP, Value: "198.51.100.2"})
	require.Error(t, err)

	// Third call is rejected without touching the collaborator.
	_, err = c.Lookup(ctx, Indicator{Kind: KindIP, Value: "198.51.100.3"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("threatintel"))
}
