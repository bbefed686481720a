// Package dispatch drains the ingress queue and turns accepted override
// requests into workflow executions: grouping, contiguity classification,
// chunking, and rate-limited submission.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
)

// ErrNoRequestsAvailable indicates the ingress queue has nothing pending.
var ErrNoRequestsAvailable = errors.New("no queued requests available")

// QueuedRequest is one ingress-queue row: an accepted override request
// waiting for dispatch.
type QueuedRequest struct {
	ID            int64
	CorrelationID string
	Request       models.OverrideRequest
	EnqueuedAt    time.Time
}

// Source is the ingress-queue contract. The API enqueues accepted
// requests; the dispatcher claims them in batches. Claimed requests are
// invisible to other dispatchers until marked done or released.
type Source interface {
	// Enqueue appends an accepted request.
	Enqueue(ctx context.Context, req models.OverrideRequest) error

	// ClaimBatch claims up to limit pending requests for this pod, oldest
	// first. Returns ErrNoRequestsAvailable when the queue is empty.
	ClaimBatch(ctx context.Context, podID string, limit int) ([]QueuedRequest, error)

	// MarkDone removes processed requests from the queue.
	MarkDone(ctx context.Context, ids []int64) error

	// Release returns claimed requests to pending so another dispatcher
	// can pick them up.
	Release(ctx context.Context, ids []int64) error

	// RequeueStale returns claims older than olderThan to pending: the
	// claiming pod died between ClaimBatch and MarkDone. All pods run
	// the sweep independently; requeueing is idempotent.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}
