// Package threatintel looks up reputation data for transaction indicators:
// IP addresses, email domains, and card-issuer prefixes.
//
// Lookups are expensive (external collaborator), so the production client is
// layered: static block/allow lists short-circuit, then a shared TTL cache,
// then the HTTP collaborator behind a circuit breaker. Every layer is
// fail-open: an unreachable collaborator degrades the signal, it never
// fails an evaluation.
package threatintel

import (
	"context"
	"fmt"
	"strings"
)

// Level is the reputation classification for an indicator.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Kind identifies what an indicator value is.
type Kind string

const (
	KindIP         Kind = "ip"
	KindDomain     Kind = "domain"
	KindCardPrefix Kind = "prefix"
)

// Indicator is one lookup key.
type Indicator struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// String returns the canonical "kind:value" form used in list entries.
func (i Indicator) String() string {
	return string(i.Kind) + ":" + strings.ToLower(i.Value)
}

// Reputation is the result of a threat lookup.
type Reputation struct {
	Level      Level   `json:"threatLevel"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"` // 0-100
}

// Client resolves an indicator to its reputation.
type Client interface {
	Lookup(ctx context.Context, ind Indicator) (*Reputation, error)
}

// ListVerdict is the outcome of a static list check.
type ListVerdict int

const (
	ListNone ListVerdict = iota
	ListBlocked
	ListAllowed
)

// Lists holds operator-maintained block and allow entries. Entries use the
// "kind:value" form (ip:203.0.113.9, domain:evil.example, prefix:999999).
// Blocklist wins over allowlist when the same entry appears in both.
type Lists struct {
	block map[string]struct{}
	allow map[string]struct{}
}

// NewLists parses block and allow entries. Malformed entries are rejected.
func NewLists(block, allow []string) (*Lists, error) {
	l := &Lists{
		block: make(map[string]struct{}, len(block)),
		allow: make(map[string]struct{}, len(allow)),
	}
	for _, e := range block {
		key, err := normalizeEntry(e)
		if err != nil {
			return nil, err
		}
		l.block[key] = struct{}{}
	}
	for _, e := range allow {
		key, err := normalizeEntry(e)
		if err != nil {
			return nil, err
		}
		l.allow[key] = struct{}{}
	}
	return l, nil
}

// Check returns the verdict for an indicator.
func (l *Lists) Check(ind Indicator) ListVerdict {
	if l == nil {
		return ListNone
	}
	key := ind.String()
	if _, ok := l.block[key]; ok {
		return ListBlocked
	}
	if _, ok := l.allow[key]; ok {
		return ListAllowed
	}
	return ListNone
}

func normalizeEntry(e string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(e), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("malformed list entry %q", e)
	}
	kind := Kind(parts[0])
	switch kind {
	case KindIP, KindDomain, KindCardPrefix:
	default:
		return "", fmt.Errorf("unknown indicator kind in %q", e)
	}
	return Indicator{Kind: kind, Value: parts[1]}.String(), nil
}
