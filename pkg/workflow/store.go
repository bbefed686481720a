package workflow

import (
	"context"
	"time"
)

// ExecutionStore persists workflow executions. Implementations must make
// SaveStep and Complete conditional on the row still being running, so a
// Stop issued mid-step wins over the step's own outcome.
type ExecutionStore interface {
	// Submit inserts a new pending execution. Returns
	// ErrDuplicateExecution when the key is taken.
	Submit(ctx context.Context, e *Execution) error

	// ClaimNext atomically claims the runnable execution with the
	// earliest run_at and marks it running on the given pod. Returns
	// ErrNoExecutionsAvailable when nothing is due.
	ClaimNext(ctx context.Context, podID string) (*Execution, error)

	// CountRunning returns the number of executions running across all
	// pods.
	CountRunning(ctx context.Context) (int, error)

	// SaveStep is the persistence barrier between steps: it writes the
	// next step, payload, run_at, and attempt count, and returns the
	// execution to pending. Returns ErrStopped when the execution is no
	// longer running.
	SaveStep(ctx context.Context, key, nextStep string, payload []byte, runAt time.Time, attempts int) error

	// Complete marks a running execution terminal. Status must be
	// StatusCompleted or StatusFailed. Returns ErrStopped when the
	// execution is no longer running.
	Complete(ctx context.Context, key, status, errorMessage string) error

	// Heartbeat refreshes the claim on a running execution.
	Heartbeat(ctx context.Context, key string) error

	// Stop halts a pending or running execution. Returns false when the
	// execution does not exist or is already terminal.
	Stop(ctx context.Context, key, reason string) (bool, error)

	// RequeueOrphans returns running executions with stale heartbeats to
	// pending so another pod can resume them at their last barrier.
	RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error)

	// Get returns the execution or ErrNotFound.
	Get(ctx context.Context, key string) (*Execution, error)

	// DeleteFinished removes terminal executions older than the given
	// age and returns how many were deleted.
	DeleteFinished(ctx context.Context, olderThan time.Duration) (int, error)
}
