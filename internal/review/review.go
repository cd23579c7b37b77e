// Package review manages the human review queue. Blocked and degraded
// evaluations land here; reviewers claim items, record a verdict, and an
// escalation spawns a fresh item for a senior reviewer.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridianpay/riskengine/internal/idgen"
	"github.com/meridianpay/riskengine/internal/pagination"
	"github.com/meridianpay/riskengine/internal/syncutil"
)

var (
	// ErrNotFound indicates no review item exists for the given ID.
	ErrNotFound = errors.New("review item not found")

	// ErrStale indicates a guarded update lost a race: the item's status
	// changed between read and write.
	ErrStale = errors.New("review item modified concurrently")
)

// ConflictError reports a state-machine violation. Handlers map it to 409.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// Status is a review item's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInReview  Status = "in_review"
	StatusCompleted Status = "completed"
)

// Verdict is a reviewer's final call on an item.
type Verdict string

const (
	VerdictApprove  Verdict = "approve"
	VerdictBlock    Verdict = "block"
	VerdictEscalate Verdict = "escalate"
)

// Item is one entry in the review queue.
type Item struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	Status        Status     `json:"status"`
	Verdict       Verdict    `json:"verdict,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Escalation    int        `json:"escalation"` // 0 for first-line items
	AddedAt       time.Time  `json:"addedAt"`
	ReviewedAt    *time.Time `json:"reviewedAt,omitempty"`
}

// Open reports whether the item still needs reviewer attention.
func (i *Item) Open() bool {
	return i.Status == StatusPending || i.Status == StatusInReview
}

// Stats summarizes queue health for dashboards.
type Stats struct {
	Pending          int64   `json:"pending"`
	InReview         int64   `json:"inReview"`
	Completed        int64   `json:"completed"`
	OldestPendingAge float64 `json:"oldestPendingAgeSeconds"`
}

// Store persists review items.
type Store interface {
	// Create inserts a new item. Fails if an open item already exists for
	// the same transaction ID.
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// GetOpenByTransaction returns the open item for a transaction, or
	// ErrNotFound.
	GetOpenByTransaction(ctx context.Context, transactionID string) (*Item, error)
	// Update writes the item only if its stored status still equals from.
	// Returns ErrStale when the status moved underneath the caller.
	Update(ctx context.Context, item *Item, from Status) error
	// List returns items filtered by status (empty means all), oldest
	// first, up to limit entries after the cursor position.
	List(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Item, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Service implements the review queue operations. State transitions run
// under a per-item lock and the store write is additionally guarded by the
// expected prior status, so two reviewers racing on one item cannot both
// win.
type Service struct {
	store Store
	locks syncutil.KeyedMutex
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Enqueue adds a transaction to the queue. Idempotent: if an open item
// already exists for the transaction, that item is returned unchanged.
func (s *Service) Enqueue(ctx context.Context, transactionID string) (*Item, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("transaction ID is required")
	}

	if existing, err := s.store.GetOpenByTransaction(ctx, transactionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	item := &Item{
		ID:            idgen.WithPrefix("rev_"),
		TransactionID: transactionID,
		Status:        StatusPending,
		AddedAt:       time.Now().UTC(),
	}
	if err := s.store.Create(ctx, item); err != nil {
		// Lost a race with a concurrent enqueue; the winner's item stands.
		if existing, getErr := s.store.GetOpenByTransaction(ctx, transactionID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return item, nil
}

// Assign claims a pending item for a reviewer.
func (s *Service) Assign(ctx context.Context, id, reviewer string) (*Item, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer is required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		return nil, &ConflictError{
			Code:    "already_assigned",
			Message: fmt.Sprintf("item is %s, only pending items can be assigned", item.Status),
		}
	}

	item.Status = StatusInReview
	item.AssignedTo = reviewer
	if err := s.store.Update(ctx, item, StatusPending); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, &ConflictError{
				Code:    "already_assigned",
				Message: "item was claimed by another reviewer",
			}
		}
		return nil, err
	}
	return item, nil
}

// Complete records a verdict on an in-review item. An escalate verdict
// closes the item and spawns a new pending item one escalation level up;
// the spawned item is returned alongside the completed one.
func (s *Service) Complete(ctx context.Context, id string, verdict Verdict, notes string) (*Item, *Item, error) {
	switch verdict {
	case VerdictApprove, VerdictBlock, VerdictEscalate:
	default:
		return nil, nil, fmt.Errorf("verdict must be approve, block, or escalate")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if item.Status != StatusInReview {
		return nil, nil, &ConflictError{
			Code:    "not_in_review",
			Message: fmt.Sprintf("item is %s, only in_review items can be completed", item.Status),
		}
	}

	now := time.Now().UTC()
	item.Status = StatusCompleted
	item.Verdict = verdict
	item.Notes = notes
	item.ReviewedAt = &now
	if err := s.store.Update(ctx, item, StatusInReview); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, nil, &ConflictError{
				Code:    "not_in_review",
				Message: "item was completed by another reviewer",
			}
		}
		return nil, nil, err
	}

	if verdict != VerdictEscalate {
		return item, nil, nil
	}

	spawned := &Item{
		ID:            idgen.WithPrefix("rev_"),
		TransactionID: item.TransactionID,
		Status:        StatusPending,
		Escalation:    item.Escalation + 1,
		AddedAt:       now,
	}
	if err := s.store.Create(ctx, spawned); err != nil {
		return nil, nil, fmt.Errorf("spawn escalation item: %w", err)
	}
	return item, spawned, nil
}

// Get returns one item by ID.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

// ListQueue returns a page of items, oldest first.
func (s *Service) ListQueue(ctx context.Context, status Status, cursor string, limit int) ([]*Item, string, bool, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	// Fetch one extra row to learn whether another page exists.
	items, err := s.store.List(ctx, status, after, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(i *Item) (time.Time, string) {
		return i.AddedAt, i.ID
	})
	return page, next, more, nil
}

// QueueStats returns queue health counters.
func (s *Service) QueueStats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}
