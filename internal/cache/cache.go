// Package cache provides the shared TTL cache used for threat-intel
// memoization and sliding-window velocity counters.
//
// Two implementations exist: a sharded in-memory cache for development and
// tests, and a Redis-backed cache for production. Both guarantee atomic
// increment-with-expiry so concurrent evaluations never lose velocity counts.
package cache

import (
	"context"
	"time"

	"github.com/meridianpay/riskengine/internal/metrics"
)

// Cache is the shared key-value store for evaluations.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL stores value under key, expiring after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrementWithExpiry atomically increments the counter at key and
	// returns the new value. The expiry is set when the counter is created,
	// so the key lives exactly one window from its first increment.
	IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Key builders keep the keyspace consistent across collectors.

// VelocityKey is the sliding-window counter key for a scope ("actor" or "ip").
func VelocityKey(scope, id string) string {
	return "vel:" + scope + ":" + id
}

// ThreatKey is the memoized threat-intel lookup key.
func ThreatKey(kind, value string) string {
	return "ti:" + kind + ":" + value
}

// AnomalyKey is the memoized anomaly-score key for a feature-vector hash.
func AnomalyKey(vectorHash string) string {
	return "anom:" + vectorHash
}

// EvalKey is the idempotency-replay key for a finished evaluation.
func EvalKey(transactionID string) string {
	return "eval:" + transactionID
}

func recordHit(op string)  { metrics.CacheOpsTotal.WithLabelValues(op, "hit").Inc() }
func recordMiss(op string) { metrics.CacheOpsTotal.WithLabelValues(op, "miss").Inc() }
func recordErr(op string)  { metrics.CacheOpsTotal.WithLabelValues(op, "error").Inc() }
