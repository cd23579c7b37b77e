package engine

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*EvaluationResult // by transaction ID
	byActor map[string][]string          // actor ID -> transaction IDs, append order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]*EvaluationResult),
		byActor: make(map[string][]string),
	}
}

func (s *MemoryStore) SaveEvaluation(_ context.Context, tx *Transaction, result *EvaluationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[tx.ID]; exists {
		return nil
	}

	cp := *result
	cp.RiskFactors = append([]RiskFactor(nil), result.RiskFactors...)
	s.results[tx.ID] = &cp
	s.byActor[tx.ActorID] = append(s.byActor[tx.ActorID], tx.ID)
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, transactionID string) (*EvaluationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *res
	cp.RiskFactors = append([]RiskFactor(nil), res.RiskFactors...)
	return &cp, nil
}

func (s *MemoryStore) ListByActor(_ context.Context, actorID string, limit int) ([]*EvaluationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byActor[actorID]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}

	// Newest first: walk the append-ordered IDs backwards.
	out := make([]*EvaluationResult, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if res, ok := s.results[ids[i]]; ok {
			cp := *res
			cp.RiskFactors = append([]RiskFactor(nil), res.RiskFactors...)
			out = append(out, &cp)
		}
	}
	return out, nil
}
