package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/policynet"
	"github.com/cresconet/loadctl/pkg/tracker"
)

// CancellationReason is journaled and published when a user-initiated
// cancellation completes.
const CancellationReason = "User-initiated cancellation of Direct load control request"

// reinstateMessage is journaled on the neighbour when cancelling an
// extension that has not started enforcing yet.
const reinstateMessage = "Request that extended this one was cancelled so reinstating this one"

// policyDeployedStages are the stages in which the head-end policy is
// deployed and must be undeployed before deletion.
var policyDeployedStages = []models.Stage{
	models.StagePolicyDeployed,
	models.StageOverrideStarted,
	models.StageExtendedBy,
}

// overrideInProgressStages are the stages in which an override execution
// may still be pending or running and must be stopped first.
var overrideInProgressStages = []models.Stage{
	models.StageQueued,
	models.StagePolicyCreated,
	models.StagePolicyExtended,
}

// OverrideStopper halts a request's override execution. Implemented by
// Engine.
type OverrideStopper interface {
	StopOverride(ctx context.Context, correlationID, reason string) (bool, error)
}

// CancelExecutor runs cancel executions. evaluateRequest picks the
// scenario, cancelPolicy tears policies down, the replacement steps
// rebuild the surviving neighbour's policy, and cancellationComplete
// journals the terminal stage.
type CancelExecutor struct {
	tracker   tracker.Store
	provider  policynet.Provider
	sink      events.Sink
	overrides OverrideStopper
	logger    *slog.Logger
	now       func() time.Time
}

// NewCancelExecutor wires the cancel step implementations.
func NewCancelExecutor(store tracker.Store, provider policynet.Provider, sink events.Sink, overrides OverrideStopper, logger *slog.Logger) *CancelExecutor {
	return &CancelExecutor{
		tracker:   store,
		provider:  provider,
		sink:      sink,
		overrides: overrides,
		logger:    logger.With("component", "cancel-executor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ Executor = (*CancelExecutor)(nil)

// ExecuteStep dispatches on the execution's next step.
func (e *CancelExecutor) ExecuteStep(ctx context.Context, exec *Execution) (*StepResult, error) {
	var p CancelPayload
	if err := json.Unmarshal(exec.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal cancel payload for %s: %w", exec.ExecutionKey, err)
	}

	switch exec.NextStep {
	case StepEvaluateRequest:
		return e.evaluate(ctx, &p)
	case StepCancelPolicy:
		return e.cancelPolicy(ctx, &p)
	case StepCreateReplacementPolicy:
		return e.createReplacement(ctx, &p)
	case StepDeployReplacementPolicy:
		return e.deployReplacement(ctx, &p)
	case StepCancellationComplete:
		return e.complete(ctx, &p)
	default:
		return nil, fmt.Errorf("unknown cancel step %q", exec.NextStep)
	}
}

// ReportFailure publishes the cancellation-failed event.
func (e *CancelExecutor) ReportFailure(ctx context.Context, exec *Execution, stepErr error) {
	var p CancelPayload
	if err := json.Unmarshal(exec.Payload, &p); err != nil {
		e.logger.Error("cannot report cancel failure, payload unreadable",
			"execution_key", exec.ExecutionKey, "error", err)
		return
	}

	input := events.EventInput{
		CorrelationID:  p.CorrelationID,
		SubscriptionID: p.SubscriptionID,
		Description:    fmt.Sprintf("Cancellation of request %s failed due to %v", p.CorrelationID, stepErr),
		At:             e.now(),
	}
	if header, err := e.tracker.GetHeader(ctx, p.CorrelationID); err == nil {
		input.Site = header.Site
		input.MeterSerial = header.MeterSerial
	}
	if err := e.sink.PublishStageEvent(ctx, events.NewStageEvent(input)); err != nil {
		e.logger.Warn("failed to publish cancellation failure event",
			"correlation_id", p.CorrelationID, "error", err)
	}
}

// evaluate works out whether tearing this request down requires
// replacing a policy on the meter.
//
// Cancelling the first of two contiguous requests while it enforces
// means the extended policy must be replaced by one covering only the
// second window. Cancelling the second while the first enforces means
// replacing it with one covering only the first window. Cancelling the
// second before anything started just reinstates the first.
func (e *CancelExecutor) evaluate(ctx context.Context, p *CancelPayload) (*StepResult, error) {
	header, err := e.tracker.GetHeader(ctx, p.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", p.CorrelationID, err)
	}

	next := StepCancelPolicy

	switch {
	case header.CurrentStage == models.StageExtendedBy && header.ExtendedBy != nil:
		extender, err := e.tracker.GetHeader(ctx, *header.ExtendedBy)
		if err != nil {
			return nil, fmt.Errorf("load extending request %s: %w", *header.ExtendedBy, err)
		}
		p.Scenario = ScenarioReplaceSecond
		p.ReplacedCorrelationID = extender.CorrelationID
		p.ReplacementStart = extender.RequestStart
		p.ReplacementEnd = extender.RequestEnd
		p.ExtendedByPolicyID = extender.PolicyID
		p.ExtendedByStage = string(extender.CurrentStage)

	case header.CurrentStage.In([]models.Stage{
		models.StagePolicyExtended,
		models.StagePolicyDeployed,
		models.StageOverrideStarted,
	}):
		neighbour, err := e.contiguousNeighbour(ctx, header)
		if err != nil {
			return nil, err
		}
		if neighbour != nil && neighbour.RequestStart != nil && neighbour.RequestEnd != nil {
			now := e.now()
			switch {
			case now.After(*neighbour.RequestStart) && now.Before(*neighbour.RequestEnd):
				p.Scenario = ScenarioReplaceFirst
				p.ReplacedCorrelationID = neighbour.CorrelationID
				p.ReplacementStart = neighbour.RequestStart
				p.ReplacementEnd = neighbour.RequestEnd
				next = StepCreateReplacementPolicy
			case now.Before(*neighbour.RequestStart):
				// Nothing is enforcing yet; put the neighbour back on its
				// own window and cancel this request outright.
				if _, err := e.tracker.AppendStage(ctx, neighbour.CorrelationID, tracker.StageUpdate{
					Stage:        models.StagePolicyDeployed,
					Message:      reinstateMessage,
					At:           now,
					RequestStart: neighbour.RequestStart,
					RequestEnd:   neighbour.RequestEnd,
				}); err != nil {
					return nil, fmt.Errorf("reinstate neighbour %s: %w", neighbour.CorrelationID, err)
				}
				e.emit(ctx, neighbour, models.StagePolicyDeployed, reinstateMessage, now)
			}
		}
	}

	return e.next(p, next)
}

// cancelPolicy stops any in-flight override execution and tears the
// request's policy down at the head-end.
func (e *CancelExecutor) cancelPolicy(ctx context.Context, p *CancelPayload) (*StepResult, error) {
	header, err := e.tracker.GetHeader(ctx, p.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", p.CorrelationID, err)
	}

	if err := e.stopOverride(ctx, header); err != nil {
		return nil, err
	}

	now := e.now()
	if header.PolicyID != nil {
		exists, err := e.provider.PolicyExists(ctx, *header.PolicyID)
		if err != nil {
			return nil, fmt.Errorf("check policy %d: %w", *header.PolicyID, err)
		}
		if !exists {
			e.logger.Info("policy no longer exists at head-end",
				"correlation_id", p.CorrelationID, "policy_id", *header.PolicyID)
		} else {
			if err := e.teardownPolicy(ctx, *header.PolicyID,
				header.CurrentStage.In(policyDeployedStages)); err != nil {
				return nil, err
			}
			// Cancelling an extended request tears down the extender's
			// policy too; a fresh one is created for it next step.
			if header.CurrentStage == models.StageExtendedBy && p.ExtendedByPolicyID != nil {
				deployed := models.Stage(p.ExtendedByStage).In(policyDeployedStages)
				if err := e.teardownPolicy(ctx, *p.ExtendedByPolicyID, deployed); err != nil {
					return nil, err
				}
			}
		}
	}

	p.StoppedAt = &now
	if p.Scenario == ScenarioReplaceSecond {
		return e.next(p, StepCreateReplacementPolicy)
	}
	return e.next(p, StepCancellationComplete)
}

// createReplacement registers the policy that survives the cancellation.
func (e *CancelExecutor) createReplacement(ctx context.Context, p *CancelPayload) (*StepResult, error) {
	header, err := e.tracker.GetHeader(ctx, p.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", p.CorrelationID, err)
	}
	if p.ReplacementStart == nil || p.ReplacementEnd == nil {
		return nil, fmt.Errorf("replacement window missing for %s", p.CorrelationID)
	}

	// The replace-first branch skips cancelPolicy, so the override
	// execution is stopped here instead.
	if err := e.stopOverride(ctx, header); err != nil {
		return nil, err
	}

	now := e.now()
	name := policynet.PolicyName(header.OverrideValue, []string{header.MeterSerial}, now)
	in := policynet.CreateInput{
		PolicyName: name,
		Site:       header.Site,
		Meters:     []string{header.MeterSerial},
		Status:     header.OverrideValue,
		Start:      *p.ReplacementStart,
		End:        *p.ReplacementEnd,
	}

	var result *policynet.CallResult
	if p.Scenario == ScenarioReplaceFirst && header.PolicyID != nil {
		// Overwrite the extended policy still deployed on the meter.
		result, err = e.provider.ReplacePolicy(ctx, in, *header.PolicyID)
	} else {
		result, err = e.provider.CreatePolicy(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("create replacement policy: %w", err)
	}
	if !result.OK() {
		return nil, fmt.Errorf("head-end rejected replacement policy: %s", result.Message)
	}

	if _, err := e.tracker.AppendStage(ctx, p.ReplacedCorrelationID, tracker.StageUpdate{
		Stage:        models.StagePolicyCreated,
		Message:      result.Message,
		At:           now,
		RequestStart: p.ReplacementStart,
		RequestEnd:   p.ReplacementEnd,
		PolicyID:     &result.PolicyID,
		PolicyName:   &name,
		HeadEnd:      headEnd(),
	}); err != nil {
		return nil, fmt.Errorf("record replacement POLICY_CREATED on %s: %w", p.ReplacedCorrelationID, err)
	}
	e.emitByID(ctx, p.ReplacedCorrelationID, models.StagePolicyCreated, result.Message, now)

	p.ReplacementPolicyID = result.PolicyID
	p.ReplacementPolicyName = name
	return e.next(p, StepDeployReplacementPolicy)
}

// deployReplacement pushes the replacement policy to the meter.
func (e *CancelExecutor) deployReplacement(ctx context.Context, p *CancelPayload) (*StepResult, error) {
	result, err := e.provider.DeployPolicy(ctx, p.ReplacementPolicyID)
	if err != nil {
		return nil, fmt.Errorf("deploy replacement policy %d: %w", p.ReplacementPolicyID, err)
	}
	if !result.OK() {
		return nil, fmt.Errorf("head-end rejected replacement deployment: %s", result.Message)
	}

	now := e.now()
	if _, err := e.tracker.AppendStage(ctx, p.ReplacedCorrelationID, tracker.StageUpdate{
		Stage:        models.StagePolicyDeployed,
		Message:      result.Message,
		At:           now,
		RequestStart: p.ReplacementStart,
		RequestEnd:   p.ReplacementEnd,
	}); err != nil {
		return nil, fmt.Errorf("record replacement POLICY_DEPLOYED on %s: %w", p.ReplacedCorrelationID, err)
	}
	e.emitByID(ctx, p.ReplacedCorrelationID, models.StagePolicyDeployed, result.Message, now)

	p.StoppedAt = &now
	return e.next(p, StepCancellationComplete)
}

// complete journals CANCELLED and publishes the event, both timestamped
// at the moment the override actually stopped.
func (e *CancelExecutor) complete(ctx context.Context, p *CancelPayload) (*StepResult, error) {
	stopped := e.now()
	if p.StoppedAt != nil {
		stopped = *p.StoppedAt
	}

	header, err := e.tracker.AppendStage(ctx, p.CorrelationID, tracker.StageUpdate{
		Stage:   models.StageCancelled,
		Message: CancellationReason,
		At:      stopped,
	})
	if err != nil {
		return nil, fmt.Errorf("record CANCELLED on %s: %w", p.CorrelationID, err)
	}
	e.emit(ctx, header, models.StageCancelled, CancellationReason, stopped)

	e.logger.Info("request cancelled",
		"correlation_id", p.CorrelationID, "stopped_at", stopped)
	return &StepResult{}, nil
}

// stopOverride halts the request's override execution when one may still
// be in flight.
func (e *CancelExecutor) stopOverride(ctx context.Context, header *tracker.Header) error {
	if !header.CurrentStage.In(overrideInProgressStages) {
		return nil
	}
	stopped, err := e.overrides.StopOverride(ctx, header.CorrelationID, CancellationReason)
	if err != nil {
		return fmt.Errorf("stop override execution %s: %w", header.CorrelationID, err)
	}
	if !stopped {
		e.logger.Info("no override execution to stop", "correlation_id", header.CorrelationID)
	}
	return nil
}

// teardownPolicy undeploys (when deployed) and deletes one policy.
// Non-200 responses are logged and skipped; the policy may already be
// gone.
func (e *CancelExecutor) teardownPolicy(ctx context.Context, policyID int64, deployed bool) error {
	if deployed {
		result, err := e.provider.UndeployPolicy(ctx, policyID)
		if err != nil {
			return fmt.Errorf("undeploy policy %d: %w", policyID, err)
		}
		if !result.OK() {
			e.logger.Warn("undeploy rejected by head-end",
				"policy_id", policyID, "message", result.Message)
		}
	}
	result, err := e.provider.DeletePolicy(ctx, policyID)
	if err != nil {
		return fmt.Errorf("delete policy %d: %w", policyID, err)
	}
	if !result.OK() {
		e.logger.Warn("delete rejected by head-end",
			"policy_id", policyID, "message", result.Message)
	}
	return nil
}

// contiguousNeighbour finds the same-direction request whose window ends
// exactly where this one starts.
func (e *CancelExecutor) contiguousNeighbour(ctx context.Context, header *tracker.Header) (*tracker.Header, error) {
	if header.RequestStart == nil {
		return nil, nil
	}
	headers, err := e.tracker.QueryMeterWindow(ctx, tracker.MeterWindowQuery{
		Site:          header.Site,
		MeterSerial:   header.MeterSerial,
		EndEquals:     header.RequestStart,
		IncludeStages: models.ContiguityStages,
	})
	if err != nil {
		return nil, fmt.Errorf("contiguity probe for %s: %w", header.CorrelationID, err)
	}
	for i := range headers {
		h := &headers[i]
		if h.CorrelationID != header.CorrelationID && h.OverrideValue == header.OverrideValue {
			return h, nil
		}
	}
	return nil, nil
}

// next marshals the payload and hands the worker the next step.
func (e *CancelExecutor) next(p *CancelPayload, step string) (*StepResult, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel payload: %w", err)
	}
	return &StepResult{NextStep: step, Payload: payload}, nil
}

// emit publishes one stage event for a header; failures are logged.
func (e *CancelExecutor) emit(ctx context.Context, header *tracker.Header, stage models.Stage, description string, at time.Time) {
	err := e.sink.PublishStageEvent(ctx, events.NewStageEvent(events.EventInput{
		CorrelationID:  header.CorrelationID,
		SubscriptionID: header.SubscriptionID,
		Site:           header.Site,
		MeterSerial:    header.MeterSerial,
		Milestone:      stage,
		Description:    description,
		At:             at,
	}))
	if err != nil {
		e.logger.Warn("failed to publish stage event",
			"correlation_id", header.CorrelationID, "milestone", stage, "error", err)
	}
}

// emitByID is emit for requests only known by correlation id.
func (e *CancelExecutor) emitByID(ctx context.Context, correlationID string, stage models.Stage, description string, at time.Time) {
	header, err := e.tracker.GetHeader(ctx, correlationID)
	if err != nil {
		e.logger.Warn("cannot publish stage event, header missing",
			"correlation_id", correlationID, "error", err)
		return
	}
	e.emit(ctx, header, stage, description, at)
}
