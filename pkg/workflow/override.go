package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cresconet/loadctl/pkg/config"
	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/policynet"
	"github.com/cresconet/loadctl/pkg/tracker"
	"github.com/cresconet/loadctl/pkg/validator"
)

// OverrideExecutor runs override executions: createDLCPolicy builds the
// head-end policy for a dispatch unit (creating, extending, or creating
// adjacent to a neighbour), deployDLCPolicy pushes it to the meters.
type OverrideExecutor struct {
	tracker  tracker.Store
	provider policynet.Provider
	sink     events.Sink
	cfg      *config.OverrideConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewOverrideExecutor wires the override step implementations.
func NewOverrideExecutor(store tracker.Store, provider policynet.Provider, sink events.Sink, cfg *config.OverrideConfig, logger *slog.Logger) *OverrideExecutor {
	return &OverrideExecutor{
		tracker:  store,
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "override-executor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Executor = (*OverrideExecutor)(nil)

// ExecuteStep dispatches on the execution's next step.
func (e *OverrideExecutor) ExecuteStep(ctx context.Context, exec *Execution) (*StepResult, error) {
	var p OverridePayload
	if err := json.Unmarshal(exec.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal override payload for %s: %w", exec.ExecutionKey, err)
	}

	switch exec.NextStep {
	case StepCreateDLCPolicy:
		return e.createPolicy(ctx, &p)
	case StepDeployDLCPolicy:
		return e.deployPolicy(ctx, &p)
	default:
		return nil, fmt.Errorf("unknown override step %q", exec.NextStep)
	}
}

// ReportFailure marks every member failed and emits the failure event.
func (e *OverrideExecutor) ReportFailure(ctx context.Context, exec *Execution, stepErr error) {
	var p OverridePayload
	if err := json.Unmarshal(exec.Payload, &p); err != nil {
		e.logger.Error("cannot report override failure, payload unreadable",
			"execution_key", exec.ExecutionKey, "error", err)
		return
	}

	now := e.now()
	message := fmt.Sprintf("DLC override request failed due to %v", stepErr)
	if err := e.tracker.BulkAppendStage(ctx, p.Unit.CorrelationIDs(), tracker.StageUpdate{
		Stage:   models.StageOverrideFailure,
		Message: message,
		At:      now,
	}); err != nil {
		e.logger.Error("failed to record override failure",
			"execution_key", exec.ExecutionKey, "error", err)
	}
	for _, m := range p.Unit.Members {
		e.emit(ctx, m, models.StageOverrideFailure,
			fmt.Sprintf("DLC override request %s failed due to %v", m.CorrelationID, stepErr), now)
	}
}

// createPolicy is the first step: it drops members finalized since
// submission, re-validates the window, talks to the head-end according
// to the unit's policy class, records the outcome in the tracker, and
// schedules deployment.
func (e *OverrideExecutor) createPolicy(ctx context.Context, p *OverridePayload) (*StepResult, error) {
	unit := &p.Unit
	now := e.now()

	// A cancel may have landed between submission and this step; a
	// terminal member's journal would reject every later stage, so it
	// must not reach the head-end.
	active, err := e.activeMembers(ctx, unit)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		e.logger.Info("no active members left, completing without a policy",
			"execution_key", unit.ExecutionKey())
		return &StepResult{}, nil
	}
	unit.Members = active

	// The unit may also have waited in the queue past its own window.
	if errs := validator.ValidateWindow(unit.Status, unit.Start, unit.End, now); len(errs) > 0 {
		return e.decline(ctx, unit, strings.Join(errs, "; "), now)
	}

	var deployAt time.Time
	switch unit.Class {
	case models.PolicyClassExtension:
		deployAt, err = e.extendPolicy(ctx, p, now)
	case models.PolicyClassCreation:
		deployAt, err = e.createAdjacentPolicy(ctx, p, now)
	default:
		deployAt, err = e.createStandalonePolicy(ctx, p, now)
	}
	if err != nil {
		return nil, err
	}
	if p.PolicyID == 0 {
		// Head-end rejected the policy; the unit was declined above.
		return &StepResult{}, nil
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal override payload: %w", err)
	}
	return &StepResult{NextStep: StepDeployDLCPolicy, RunAt: deployAt, Payload: payload}, nil
}

// activeMembers filters the unit down to members whose request is still
// in a non-terminal stage.
func (e *OverrideExecutor) activeMembers(ctx context.Context, unit *models.DispatchUnit) ([]models.DispatchMember, error) {
	active := make([]models.DispatchMember, 0, len(unit.Members))
	for _, m := range unit.Members {
		header, err := e.tracker.GetHeader(ctx, m.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("load member %s: %w", m.CorrelationID, err)
		}
		if header.CurrentStage.Terminal() {
			e.logger.Info("member finalized before policy creation, dropping from unit",
				"correlation_id", m.CorrelationID, "stage", header.CurrentStage)
			continue
		}
		active = append(active, m)
	}
	return active, nil
}

// createStandalonePolicy covers the "new" class: one fresh policy over
// the unit's own window, deployed immediately.
func (e *OverrideExecutor) createStandalonePolicy(ctx context.Context, p *OverridePayload, now time.Time) (time.Time, error) {
	unit := &p.Unit
	name := policynet.PolicyName(unit.Status, unit.MeterSerials(), now)
	result, err := e.provider.CreatePolicy(ctx, policynet.CreateInput{
		PolicyName: name,
		Site:       unit.Members[0].Site,
		Meters:     unit.MeterSerials(),
		Status:     unit.Status,
		Start:      unit.Start,
		End:        unit.End,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("create policy: %w", err)
	}
	if !result.OK() {
		_, err := e.decline(ctx, unit, result.Message, now)
		return time.Time{}, err
	}

	if err := e.recordCreated(ctx, unit, result, name, nil, now); err != nil {
		return time.Time{}, err
	}
	p.PolicyID = result.PolicyID
	p.PolicyName = name
	return now, nil
}

// extendPolicy covers the "contiguousExtension" class: the neighbour's
// policy is replaced by one spanning from the extension chain's terminal
// start to the new request's end.
func (e *OverrideExecutor) extendPolicy(ctx context.Context, p *OverridePayload, now time.Time) (time.Time, error) {
	unit := &p.Unit
	m := unit.Members[0]

	neighbour, err := e.tracker.GetHeader(ctx, m.NeighbourCorrelationID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load neighbour %s: %w", m.NeighbourCorrelationID, err)
	}
	terminalStart := unit.Start
	if m.NeighbourTerminalStart != nil {
		terminalStart = *m.NeighbourTerminalStart
	}

	name := policynet.PolicyName(unit.Status, unit.MeterSerials(), now)
	var neighbourPolicyID int64
	if neighbour.PolicyID != nil {
		neighbourPolicyID = *neighbour.PolicyID
	}
	result, err := e.provider.ReplacePolicy(ctx, policynet.CreateInput{
		PolicyName: name,
		Site:       m.Site,
		Meters:     unit.MeterSerials(),
		Status:     unit.Status,
		Start:      terminalStart,
		End:        unit.End,
	}, neighbourPolicyID)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend policy of %s: %w", neighbour.CorrelationID, err)
	}
	if !result.OK() {
		_, err := e.decline(ctx, unit, result.Message, now)
		return time.Time{}, err
	}

	// Journal the relationship on both sides before the extension itself.
	extendedByMsg := fmt.Sprintf("Request %s has been extended by request %s",
		neighbour.CorrelationID, m.CorrelationID)
	if _, err := e.tracker.AppendStage(ctx, neighbour.CorrelationID, tracker.StageUpdate{
		Stage:      models.StageExtendedBy,
		Message:    extendedByMsg,
		At:         now,
		ExtendedBy: &m.CorrelationID,
	}); err != nil {
		return time.Time{}, fmt.Errorf("record EXTENDED_BY on %s: %w", neighbour.CorrelationID, err)
	}
	e.emit(ctx, models.DispatchMember{
		CorrelationID:  neighbour.CorrelationID,
		SubscriptionID: neighbour.SubscriptionID,
		Site:           neighbour.Site,
		MeterSerial:    neighbour.MeterSerial,
	}, models.StageExtendedBy, extendedByMsg, now)

	extendsMsg := fmt.Sprintf("Request %s extends request %s",
		m.CorrelationID, neighbour.CorrelationID)
	if _, err := e.tracker.AppendStage(ctx, m.CorrelationID, tracker.StageUpdate{
		Stage:         models.StageExtends,
		Message:       extendsMsg,
		At:            now,
		RequestStart:  &unit.Start,
		RequestEnd:    &unit.End,
		OriginalStart: &terminalStart,
		Extends:       &neighbour.CorrelationID,
	}); err != nil {
		return time.Time{}, fmt.Errorf("record EXTENDS on %s: %w", m.CorrelationID, err)
	}
	e.emit(ctx, m, models.StageExtends, extendsMsg, now)

	if _, err := e.tracker.AppendStage(ctx, m.CorrelationID, tracker.StageUpdate{
		Stage:      models.StagePolicyExtended,
		Message:    result.Message,
		At:         now,
		PolicyID:   &result.PolicyID,
		PolicyName: &name,
		HeadEnd:    headEnd(),
	}); err != nil {
		return time.Time{}, fmt.Errorf("record POLICY_EXTENDED on %s: %w", m.CorrelationID, err)
	}
	e.emit(ctx, m, models.StagePolicyExtended, result.Message, now)

	p.PolicyID = result.PolicyID
	p.PolicyName = name
	return deployStart(neighbour, now, e.cfg.ContiguousStartBuffer), nil
}

// createAdjacentPolicy covers the "contiguousCreation" class: the
// neighbour switches the opposite direction, so the new policy's start
// is pushed back to let the neighbour finish cleanly.
func (e *OverrideExecutor) createAdjacentPolicy(ctx context.Context, p *OverridePayload, now time.Time) (time.Time, error) {
	unit := &p.Unit
	m := unit.Members[0]

	neighbour, err := e.tracker.GetHeader(ctx, m.NeighbourCorrelationID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load neighbour %s: %w", m.NeighbourCorrelationID, err)
	}

	start := unit.Start.Add(e.cfg.OppositeSwitchBackoff)
	name := policynet.PolicyName(unit.Status, unit.MeterSerials(), now)
	var neighbourPolicyID int64
	if neighbour.PolicyID != nil {
		neighbourPolicyID = *neighbour.PolicyID
	}
	result, err := e.provider.ReplacePolicy(ctx, policynet.CreateInput{
		PolicyName: name,
		Site:       m.Site,
		Meters:     unit.MeterSerials(),
		Status:     unit.Status,
		Start:      start,
		End:        unit.End,
	}, neighbourPolicyID)
	if err != nil {
		return time.Time{}, fmt.Errorf("create adjacent policy: %w", err)
	}
	if !result.OK() {
		_, err := e.decline(ctx, unit, result.Message, now)
		return time.Time{}, err
	}

	if err := e.recordCreated(ctx, unit, result, name, &start, now); err != nil {
		return time.Time{}, err
	}
	p.PolicyID = result.PolicyID
	p.PolicyName = name
	return now, nil
}

// deployPolicy is the second step: push the created policy to the
// meters.
func (e *OverrideExecutor) deployPolicy(ctx context.Context, p *OverridePayload) (*StepResult, error) {
	unit := &p.Unit
	now := e.now()

	if p.PolicyID == 0 {
		return e.decline(ctx, unit, "Invalid request: policy deployment needs policy id", now)
	}

	result, err := e.provider.DeployPolicy(ctx, p.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("deploy policy %d: %w", p.PolicyID, err)
	}
	if !result.OK() {
		return e.decline(ctx, unit, result.Message, now)
	}

	if err := e.tracker.BulkAppendStage(ctx, unit.CorrelationIDs(), tracker.StageUpdate{
		Stage:   models.StagePolicyDeployed,
		Message: result.Message,
		At:      now,
	}); err != nil {
		return nil, fmt.Errorf("record POLICY_DEPLOYED: %w", err)
	}
	for _, m := range unit.Members {
		e.emit(ctx, m, models.StagePolicyDeployed, result.Message, now)
	}
	return &StepResult{}, nil
}

// recordCreated journals POLICY_CREATED for every member. start, when
// non-nil, overwrites the stored request start (backoff-pushed windows).
func (e *OverrideExecutor) recordCreated(ctx context.Context, unit *models.DispatchUnit, result *policynet.CallResult, name string, start *time.Time, now time.Time) error {
	if err := e.tracker.BulkAppendStage(ctx, unit.CorrelationIDs(), tracker.StageUpdate{
		Stage:        models.StagePolicyCreated,
		Message:      result.Message,
		At:           now,
		RequestStart: start,
		PolicyID:     &result.PolicyID,
		PolicyName:   &name,
		HeadEnd:      headEnd(),
	}); err != nil {
		return fmt.Errorf("record POLICY_CREATED: %w", err)
	}
	for _, m := range unit.Members {
		e.emit(ctx, m, models.StagePolicyCreated, result.Message, now)
	}
	return nil
}

// decline moves every member to DECLINED and completes the execution.
func (e *OverrideExecutor) decline(ctx context.Context, unit *models.DispatchUnit, message string, now time.Time) (*StepResult, error) {
	if err := e.tracker.BulkAppendStage(ctx, unit.CorrelationIDs(), tracker.StageUpdate{
		Stage:   models.StageDeclined,
		Message: message,
		At:      now,
	}); err != nil {
		return nil, fmt.Errorf("record DECLINED: %w", err)
	}
	for _, m := range unit.Members {
		e.emit(ctx, m, models.StageDeclined, message, now)
	}
	e.logger.Info("dispatch unit declined",
		"correlation_ids", unit.CorrelationIDs(), "message", message)
	return &StepResult{}, nil
}

// emit publishes one stage event; delivery failures are logged, never
// fatal to the workflow.
func (e *OverrideExecutor) emit(ctx context.Context, m models.DispatchMember, stage models.Stage, description string, at time.Time) {
	err := e.sink.PublishStageEvent(ctx, events.NewStageEvent(events.EventInput{
		CorrelationID:  m.CorrelationID,
		SubscriptionID: m.SubscriptionID,
		Site:           m.Site,
		MeterSerial:    m.MeterSerial,
		Milestone:      stage,
		Description:    description,
		At:             at,
	}))
	if err != nil {
		e.logger.Warn("failed to publish stage event",
			"correlation_id", m.CorrelationID, "milestone", stage, "error", err)
	}
}

// deployStart decides when the extension policy may be deployed: now if
// the neighbour is already enforcing, otherwise shortly after the
// neighbour's own start.
func deployStart(neighbour *tracker.Header, now time.Time, buffer time.Duration) time.Time {
	if neighbour.RequestStart == nil || neighbour.RequestEnd == nil {
		return now
	}
	start, end := *neighbour.RequestStart, *neighbour.RequestEnd
	if !now.Before(start) && now.Before(end) {
		return now
	}
	return start.Add(buffer)
}

func headEnd() *string {
	h := models.HeadEndPolicyNet
	return &h
}
