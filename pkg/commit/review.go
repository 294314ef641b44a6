package commit

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrReviewItemNotFound is returned for an unknown review item id.
var ErrReviewItemNotFound = errors.New("commit: review item not found")

// ReviewItem is one rejected candidate awaiting human correction.
type ReviewItem struct {
	ID        string        `json:"id"`
	Candidate CandidateFact `json:"candidate"`
	Reason    RejectReason  `json:"reason"`
	Detail    string        `json:"detail"`
	QueuedAt  time.Time     `json:"queued_at"`
	Resolved  bool          `json:"resolved"`
}

// ReviewQueue holds rejected candidates. Rejections are routed here, not
// discarded; items stay queryable after resolution.
type ReviewQueue struct {
	mu    sync.RWMutex
	items []*ReviewItem
	byID  map[string]*ReviewItem
}

// NewReviewQueue creates an empty queue.
func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{byID: make(map[string]*ReviewItem)}
}

// Add queues a rejected candidate and returns the review item id.
func (q *ReviewQueue) Add(cand CandidateFact, reason RejectReason, detail string, at time.Time) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &ReviewItem{
		ID:        uuid.New().String(),
		Candidate: cand,
		Reason:    reason,
		Detail:    detail,
		QueuedAt:  at,
	}
	q.items = append(q.items, item)
	q.byID[item.ID] = item
	return item.ID
}

// Pending returns unresolved items in queue order.
func (q *ReviewQueue) Pending() []*ReviewItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*ReviewItem
	for _, item := range q.items {
		if !item.Resolved {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out
}

// Get returns an item by id.
func (q *ReviewQueue) Get(id string) (*ReviewItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.byID[id]
	if !ok {
		return nil, ErrReviewItemNotFound
	}
	cp := *item
	return &cp, nil
}

// MarkResolved flags an item resolved after a successful resubmission.
func (q *ReviewQueue) MarkResolved(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return ErrReviewItemNotFound
	}
	item.Resolved = true
	return nil
}
