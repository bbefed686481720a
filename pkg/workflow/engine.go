package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
)

// cancelKeyTimeFormat timestamps cancel execution keys so a request can
// be cancelled again after an earlier attempt failed.
const cancelKeyTimeFormat = "20060102150405"

// Engine is the submission facade over the execution store. Workers pick
// up what it submits; Engine itself never runs steps.
type Engine struct {
	store  ExecutionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine over an execution store.
func NewEngine(store ExecutionStore, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With("component", "workflow"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SubmitOverride queues an override execution for a dispatch unit. The
// unit's execution key makes resubmission idempotent; a duplicate is
// logged and reported as success.
func (e *Engine) SubmitOverride(ctx context.Context, unit models.DispatchUnit) (string, error) {
	key := unit.ExecutionKey()
	payload, err := json.Marshal(OverridePayload{Unit: unit})
	if err != nil {
		return "", fmt.Errorf("marshal override payload: %w", err)
	}

	err = e.store.Submit(ctx, &Execution{
		ExecutionKey: key,
		Kind:         KindOverride,
		NextStep:     StepCreateDLCPolicy,
		Payload:      payload,
		RunAt:        e.now(),
	})
	if err == ErrDuplicateExecution {
		e.logger.Info("override execution already submitted", "execution_key", key)
		return key, nil
	}
	if err != nil {
		return "", err
	}
	e.logger.Info("override execution submitted",
		"execution_key", key, "members", len(unit.Members))
	return key, nil
}

// SubmitCancel queues a cancel execution for one request. The key embeds
// the submission time, so retrying a failed cancellation starts a fresh
// execution.
func (e *Engine) SubmitCancel(ctx context.Context, p CancelPayload) (string, error) {
	now := e.now()
	key := fmt.Sprintf("%s-%s", p.CorrelationID, now.Format(cancelKeyTimeFormat))
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal cancel payload: %w", err)
	}

	err = e.store.Submit(ctx, &Execution{
		ExecutionKey: key,
		Kind:         KindCancel,
		NextStep:     StepEvaluateRequest,
		Payload:      payload,
		RunAt:        now,
	})
	if err == ErrDuplicateExecution {
		e.logger.Info("cancel execution already submitted", "execution_key", key)
		return key, nil
	}
	if err != nil {
		return "", err
	}
	e.logger.Info("cancel execution submitted",
		"execution_key", key, "correlation_id", p.CorrelationID)
	return key, nil
}

// StopOverride halts the override execution for a request, if one is
// still pending or running. Used by the cancel workflow before it tears
// the policy down.
func (e *Engine) StopOverride(ctx context.Context, correlationID, reason string) (bool, error) {
	stopped, err := e.store.Stop(ctx, correlationID, reason)
	if err != nil {
		return false, err
	}
	if stopped {
		e.logger.Info("override execution stopped",
			"execution_key", correlationID, "reason", reason)
	}
	return stopped, nil
}

// Get returns an execution by key.
func (e *Engine) Get(ctx context.Context, key string) (*Execution, error) {
	return e.store.Get(ctx, key)
}
