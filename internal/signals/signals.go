// Package signals implements the risk signal collectors. Each collector
// computes one factor from transaction context; the orchestrator runs them
// concurrently and turns any failure into a skipped factor.
package signals

import "time"

// Per-collector timeout defaults. Local computation gets a token budget,
// network-backed signals get most of the evaluation deadline headroom.
const (
	DefaultLocalTimeout   = 10 * time.Millisecond
	DefaultCacheTimeout   = 25 * time.Millisecond
	DefaultNetworkTimeout = 45 * time.Millisecond
)

// Maximum contribution per signal. The composite is additive and clamped
// to 100, so the caps set each signal's weight in the final score.
const (
	maxAmountScore   = 40
	maxVelocityScore = 50
	maxLocationScore = 40
	maxThreatScore   = 50
	maxAnomalyScore  = 60
	blocklistScore   = 100
)
