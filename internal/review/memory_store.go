package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianpay/riskengine/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (s *MemoryStore) Create(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.items {
		if existing.TransactionID == item.TransactionID && existing.Open() {
			return fmt.Errorf("open review item already exists for transaction %s", item.TransactionID)
		}
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) GetOpenByTransaction(_ context.Context, transactionID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.items {
		if item.TransactionID == transactionID && item.Open() {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, item *Item, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != from {
		return ErrStale
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context, status Status, after *pagination.Cursor, limit int) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*Item
	for _, item := range s.items {
		if status != "" && item.Status != status {
			continue
		}
		if after != nil {
			if item.AddedAt.Before(after.CreatedAt) {
				continue
			}
			if item.AddedAt.Equal(after.CreatedAt) && item.ID <= after.ID {
				continue
			}
		}
		cp := *item
		items = append(items, &cp)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{}
	var oldestPending time.Time
	for _, item := range s.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
			if oldestPending.IsZero() || item.AddedAt.Before(oldestPending) {
				oldestPending = item.AddedAt
			}
		case StatusInReview:
			stats.InReview++
		case StatusCompleted:
			stats.Completed++
		}
	}
	if !oldestPending.IsZero() {
		stats.OldestPendingAge = time.Since(oldestPending).Seconds()
	}
	return stats, nil
}
