package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
)

// MemorySource is an in-memory Source for tests and local development.
type MemorySource struct {
	mu     sync.Mutex
	nextID int64
	items  []*memoryItem
}

type memoryItem struct {
	id        int64
	status    string
	request   models.OverrideRequest
	createdAt time.Time
	claimedAt time.Time
}

// NewMemorySource creates an empty in-memory queue.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

var _ Source = (*MemorySource)(nil)

func (s *MemorySource) Enqueue(_ context.Context, req models.OverrideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.items = append(s.items, &memoryItem{
		id:        s.nextID,
		status:    queueStatusPending,
		request:   req,
		createdAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemorySource) ClaimBatch(_ context.Context, _ string, limit int) ([]QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []QueuedRequest
	for _, item := range s.items {
		if len(batch) >= limit {
			break
		}
		if item.status != queueStatusPending {
			continue
		}
		item.status = queueStatusClaimed
		item.claimedAt = time.Now().UTC()
		batch = append(batch, QueuedRequest{
			ID:            item.id,
			CorrelationID: item.request.CorrelationID,
			Request:       item.request,
			EnqueuedAt:    item.createdAt,
		})
	}
	if len(batch) == 0 {
		return nil, ErrNoRequestsAvailable
	}
	return batch, nil
}

func (s *MemorySource) MarkDone(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.items[:0]
	for _, item := range s.items {
		if !drop[item.id] {
			kept = append(kept, item)
		}
	}
	s.items = kept
	return nil
}

func (s *MemorySource) Release(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release := make(map[int64]bool, len(ids))
	for _, id := range ids {
		release[id] = true
	}
	for _, item := range s.items {
		if release[item.id] {
			item.status = queueStatusPending
			item.claimedAt = time.Time{}
		}
	}
	return nil
}

func (s *MemorySource) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, item := range s.items {
		if item.status == queueStatusClaimed && item.claimedAt.Before(cutoff) {
			item.status = queueStatusPending
			item.claimedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

// Pending reports how many requests wait in the queue.
func (s *MemorySource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if item.status == queueStatusPending {
			n++
		}
	}
	return n
}
