// Package anomaly adapts the external ML anomaly scorer.
//
// The feature-vector field order is a versioned contract shared with the
// model. Changing the order or adding a field requires bumping VectorVersion
// in lock-step with a model release; the scorer rejects mismatched versions.
package anomaly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// VectorVersion identifies the feature-vector layout sent to the model.
const VectorVersion = "v1"

// Features are the raw transaction attributes the model consumes.
// Vector() flattens them in the fixed v1 order.
type Features struct {
	Amount          float64 // transaction amount in minor-unit-normalized form
	HourOfDay       int     // 0-23, UTC
	SessionDuration float64 // seconds
	PagesViewed     int
	CartAdditions   int
	NewDevice       bool // device type not seen for this actor
}

// Vector returns the fixed-order feature vector.
// Order (v1): amount, hour, session duration, pages viewed, cart additions,
// new-device flag. Do not reorder without bumping VectorVersion.
func (f Features) Vector() []float64 {
	newDevice := 0.0
	if f.NewDevice {
		newDevice = 1.0
	}
	return []float64{
		f.Amount,
		float64(f.HourOfDay),
		f.SessionDuration,
		float64(f.PagesViewed),
		float64(f.CartAdditions),
		newDevice,
	}
}

// Hash returns a stable digest of the vector, used as the memoization key.
func (f Features) Hash() string {
	var b strings.Builder
	b.WriteString(VectorVersion)
	for _, v := range f.Vector() {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// Scorer returns an anomaly probability in [0, 1] for a feature vector.
type Scorer interface {
	Score(ctx context.Context, features Features) (float64, error)
}
