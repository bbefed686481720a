// Package workflow runs the durable multi-step executions behind
// override dispatch and cancellation. Each execution is a row in
// workflow_executions holding the next step to run and a JSON payload;
// every step boundary is a persistence barrier, so a worker crash never
// loses more than the step in flight. Workers on every replica poll for
// runnable executions and claim them with SKIP LOCKED.
package workflow

import (
	"context"
	"time"
)

// Execution kinds.
const (
	KindOverride = "override"
	KindCancel   = "cancel"
)

// Execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Override execution steps.
const (
	StepCreateDLCPolicy = "createDLCPolicy"
	StepDeployDLCPolicy = "deployDLCPolicy"
)

// Cancel execution steps.
const (
	StepEvaluateRequest         = "evaluateRequest"
	StepCancelPolicy            = "cancelPolicy"
	StepCreateReplacementPolicy = "createReplacementPolicy"
	StepDeployReplacementPolicy = "deployReplacementPolicy"
	StepCancellationComplete    = "cancellationComplete"
)

// Execution is one durable workflow run. ExecutionKey doubles as the
// idempotency key: submitting the same key twice is a no-op.
type Execution struct {
	ExecutionKey string     `db:"execution_key" json:"execution_key"`
	Kind         string     `db:"kind" json:"kind"`
	Status       string     `db:"status" json:"status"`
	NextStep     string     `db:"next_step" json:"next_step"`
	Payload      []byte     `db:"payload" json:"payload"`
	RunAt        time.Time  `db:"run_at" json:"run_at"`
	Attempts     int        `db:"attempts" json:"attempts"`
	PodID        *string    `db:"pod_id" json:"pod_id,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	HeartbeatAt  *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
}

// StepResult tells the worker what to persist after a successful step.
type StepResult struct {
	// NextStep is the step to run next; empty means the execution is
	// complete.
	NextStep string

	// RunAt defers the next step; zero means runnable immediately.
	RunAt time.Time

	// Payload replaces the stored payload when non-nil.
	Payload []byte
}

// Executor runs the steps of one execution kind.
type Executor interface {
	// ExecuteStep runs exec.NextStep once. A returned error means the
	// step failed and will be retried until the attempt budget runs out.
	ExecuteStep(ctx context.Context, exec *Execution) (*StepResult, error)

	// ReportFailure is called once when an execution exhausts its
	// attempts and is marked failed.
	ReportFailure(ctx context.Context, exec *Execution, stepErr error)
}
