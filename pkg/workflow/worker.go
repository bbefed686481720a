package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cresconet/loadctl/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Step retry budget. Failed steps back off exponentially; an execution
// that exhausts its attempts is marked failed and reported once.
const (
	maxStepAttempts = 5
	stepRetryBase   = 30 * time.Second
	stepRetryCap    = 10 * time.Minute
)

// WorkerHealth is a snapshot of one worker's state.
type WorkerHealth struct {
	ID                  string       `json:"id"`
	Status              WorkerStatus `json:"status"`
	CurrentExecutionKey string       `json:"current_execution_key,omitempty"`
	ExecutionsProcessed int          `json:"executions_processed"`
	LastActivity        time.Time    `json:"last_activity"`
}

// Worker is a single workflow worker that polls for and runs execution
// steps.
type Worker struct {
	id        string
	podID     string
	store     ExecutionStore
	config    *config.WorkflowConfig
	executors map[string]Executor
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu                  sync.RWMutex
	status              WorkerStatus
	currentExecutionKey string
	executionsProcessed int
	lastActivity        time.Time
}

// NewWorker creates a workflow worker. executors maps execution kinds to
// their step implementations.
func NewWorker(id, podID string, store ExecutionStore, cfg *config.WorkflowConfig, executors map[string]Executor) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		config:       cfg,
		executors:    executors,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                  w.id,
		Status:              w.status,
		CurrentExecutionKey: w.currentExecutionKey,
		ExecutionsProcessed: w.executionsProcessed,
		LastActivity:        w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Workflow worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Workflow worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, workflow worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoExecutionsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing execution", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims an execution, and runs its next
// step.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Capacity check is best-effort; racy with concurrent workers but
	// bounded by WorkerCount and mitigated by poll jitter.
	running, err := w.store.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking running executions: %w", err)
	}
	if running >= w.config.MaxConcurrentExecutions {
		return ErrAtCapacity
	}

	exec, err := w.store.ClaimNext(ctx, w.podID)
	if err != nil {
		return err
	}

	log := slog.With("execution_key", exec.ExecutionKey, "kind", exec.Kind,
		"step", exec.NextStep, "worker_id", w.id)
	log.Info("Execution claimed")

	w.setStatus(WorkerStatusWorking, exec.ExecutionKey)
	defer w.setStatus(WorkerStatusIdle, "")

	stepCtx, cancelStep := context.WithTimeout(ctx, w.config.StepTimeout)
	defer cancelStep()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(stepCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, exec.ExecutionKey)

	executor, ok := w.executors[exec.Kind]
	if !ok {
		cancelHeartbeat()
		return w.failExecution(exec, fmt.Errorf("no executor registered for kind %q", exec.Kind), nil)
	}

	result, stepErr := executor.ExecuteStep(stepCtx, exec)
	cancelHeartbeat()

	// Persist the outcome with a background context: the step context
	// may already be cancelled or expired.
	if stepErr != nil {
		return w.handleStepError(exec, stepErr, executor, log)
	}

	if result == nil || result.NextStep == "" {
		if err := w.completeOrDrop(exec, StatusCompleted, "", log); err != nil {
			return err
		}
		w.mu.Lock()
		w.executionsProcessed++
		w.mu.Unlock()
		log.Info("Execution complete")
		return nil
	}

	payload := exec.Payload
	if result.Payload != nil {
		payload = result.Payload
	}
	runAt := result.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	err = w.store.SaveStep(context.Background(), exec.ExecutionKey, result.NextStep, payload, runAt, 0)
	if errors.Is(err, ErrStopped) {
		log.Info("Execution stopped during step, dropping outcome")
		return nil
	}
	if err != nil {
		return fmt.Errorf("saving step for %s: %w", exec.ExecutionKey, err)
	}
	log.Info("Step complete", "next_step", result.NextStep, "run_at", runAt)
	return nil
}

// handleStepError retries the failed step with backoff, or fails the
// execution once the attempt budget is spent.
func (w *Worker) handleStepError(exec *Execution, stepErr error, executor Executor, log *slog.Logger) error {
	attempts := exec.Attempts + 1
	if attempts >= maxStepAttempts {
		log.Error("Execution failed, attempts exhausted",
			"attempts", attempts, "error", stepErr)
		return w.failExecution(exec, stepErr, executor)
	}

	delay := retryDelay(attempts)
	log.Warn("Step failed, will retry",
		"attempts", attempts, "retry_in", delay, "error", stepErr)
	err := w.store.SaveStep(context.Background(), exec.ExecutionKey, exec.NextStep,
		exec.Payload, time.Now().UTC().Add(delay), attempts)
	if errors.Is(err, ErrStopped) {
		log.Info("Execution stopped during step, dropping retry")
		return nil
	}
	return err
}

// failExecution marks the execution failed and gives the executor one
// chance to report the failure outward.
func (w *Worker) failExecution(exec *Execution, stepErr error, executor Executor) error {
	if executor != nil {
		executor.ReportFailure(context.Background(), exec, stepErr)
	}
	return w.completeOrDrop(exec, StatusFailed, stepErr.Error(), slog.With("execution_key", exec.ExecutionKey))
}

// completeOrDrop marks the execution terminal, tolerating a concurrent
// stop.
func (w *Worker) completeOrDrop(exec *Execution, status, errorMessage string, log *slog.Logger) error {
	err := w.store.Complete(context.Background(), exec.ExecutionKey, status, errorMessage)
	if errors.Is(err, ErrStopped) {
		log.Info("Execution stopped before completion could be recorded")
		return nil
	}
	return err
}

// runHeartbeat periodically refreshes the claim for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, key string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, key); err != nil {
				slog.Warn("Heartbeat update failed", "execution_key", key, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// retryDelay is the exponential backoff before retrying a failed step.
func retryDelay(attempts int) time.Duration {
	d := stepRetryBase << uint(attempts-1)
	if d > stepRetryCap {
		return stepRetryCap
	}
	return d
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, executionKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentExecutionKey = executionKey
	w.lastActivity = time.Now()
}
