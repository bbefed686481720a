package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cresconet/loadctl/pkg/config"
	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/policynet"
	"github.com/cresconet/loadctl/pkg/tracker"
	"github.com/cresconet/loadctl/pkg/validator"
)

type overrideFixture struct {
	executor *OverrideExecutor
	tracker  *tracker.MemoryStore
	provider *policynet.StubProvider
	recorder *events.Recorder
	now      time.Time
}

func newOverrideFixture(t *testing.T, now time.Time) *overrideFixture {
	t.Helper()
	f := &overrideFixture{
		tracker:  tracker.NewMemoryStore(),
		provider: policynet.NewStubProvider(),
		recorder: events.NewRecorder(),
		now:      now,
	}
	f.executor = NewOverrideExecutor(f.tracker, f.provider, f.recorder,
		config.DefaultOverrideConfig(), testLogger())
	f.executor.now = func() time.Time { return f.now }
	return f
}

func (f *overrideFixture) seedHeader(t *testing.T, correlationID, status string, start, end time.Time, stage models.Stage, policyID int64) {
	t.Helper()
	require.NoError(t, f.tracker.CreateHeader(context.Background(), &tracker.Header{
		CorrelationID:  correlationID,
		SubscriptionID: "sub-1",
		Site:           "NMI0000001",
		MeterSerial:    "LG000001/E3",
		OverrideValue:  status,
		RequestStart:   &start,
		RequestEnd:     &end,
	}))
	if stage != models.StageReceived {
		upd := tracker.StageUpdate{Stage: stage}
		if policyID != 0 {
			upd.PolicyID = &policyID
		}
		_, err := f.tracker.AppendStage(context.Background(), correlationID, upd)
		require.NoError(t, err)
	}
}

func (f *overrideFixture) execute(t *testing.T, step string, p OverridePayload) (*StepResult, OverridePayload) {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	result, err := f.executor.ExecuteStep(context.Background(), &Execution{
		ExecutionKey: p.Unit.ExecutionKey(),
		Kind:         KindOverride,
		NextStep:     step,
		Payload:      payload,
	})
	require.NoError(t, err)
	var out OverridePayload
	if result != nil && result.Payload != nil {
		require.NoError(t, json.Unmarshal(result.Payload, &out))
	} else {
		out = p
	}
	return result, out
}

func overrideUnit(class models.PolicyClass, start, end time.Time, members ...models.DispatchMember) models.DispatchUnit {
	return models.DispatchUnit{
		Status:  models.StatusOn,
		Start:   start,
		End:     end,
		Class:   class,
		Members: members,
	}
}

func member(correlationID string) models.DispatchMember {
	return models.DispatchMember{
		CorrelationID:  correlationID,
		SubscriptionID: "sub-1",
		Site:           "NMI0000001",
		MeterSerial:    "LG000001/E3",
	}
}

func TestOverrideCreateAndDeploy(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)

	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"))

	result, p := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Equal(t, StepDeployDLCPolicy, result.NextStep)
	assert.Equal(t, now, result.RunAt)
	assert.Equal(t, int64(1), p.PolicyID)
	assert.NotEmpty(t, p.PolicyName)

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePolicyCreated, header.CurrentStage)
	require.NotNil(t, header.PolicyID)
	assert.Equal(t, int64(1), *header.PolicyID)
	require.NotNil(t, header.HeadEnd)
	assert.Equal(t, models.HeadEndPolicyNet, *header.HeadEnd)

	result, _ = f.execute(t, StepDeployDLCPolicy, p)
	assert.Empty(t, result.NextStep)
	assert.True(t, f.provider.Deployed(1))

	header, err = f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePolicyDeployed, header.CurrentStage)

	milestones := []string{}
	for _, e := range f.recorder.ForCorrelation("c-1") {
		milestones = append(milestones, e.Milestone)
	}
	assert.Equal(t, []string{"POLICY_CREATED", "POLICY_DEPLOYED"}, milestones)
}

func TestOverrideGroupedUnitCreatesOnePolicy(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)
	f.seedHeader(t, "c-2", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)

	m2 := member("c-2")
	m2.MeterSerial = "LG000002/E3"
	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"), m2)
	unit.GroupID = "grp-1"

	_, p := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Equal(t, []string{"CreatePolicy"}, f.provider.Calls())

	for _, id := range []string{"c-1", "c-2"} {
		header, err := f.tracker.GetHeader(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StagePolicyCreated, header.CurrentStage)
		require.NotNil(t, header.PolicyID)
		assert.Equal(t, p.PolicyID, *header.PolicyID)
	}
}

func TestOverrideDeclinedByHeadEnd(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)
	f.provider.DeclineNext = "Site not licensed for load control"

	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"))
	result, _ := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Empty(t, result.NextStep)

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageDeclined, header.CurrentStage)

	recorded := f.recorder.ForCorrelation("c-1")
	require.Len(t, recorded, 1)
	assert.Equal(t, "DECLINED", recorded[0].Milestone)
	assert.Equal(t, "Site not licensed for load control", recorded[0].EventDescription)
}

func TestOverrideExpiredWindowDeclined(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-2 * time.Hour)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)

	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"))
	result, _ := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Empty(t, result.NextStep)
	assert.Empty(t, f.provider.Calls())

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageDeclined, header.CurrentStage)

	recorded := f.recorder.ForCorrelation("c-1")
	require.Len(t, recorded, 1)
	assert.Equal(t, validator.MsgEndInPast, recorded[0].EventDescription)
}

func TestOverrideCancelledBeforeStepCreatesNoPolicy(t *testing.T) {
	// A cancel can land after dispatch but before the create step runs;
	// the head-end must never see a policy for a finalized request.
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)
	_, err := f.tracker.AppendStage(ctx, "c-1", tracker.StageUpdate{Stage: models.StageCancelled})
	require.NoError(t, err)

	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"))
	result, _ := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Empty(t, result.NextStep)
	assert.Empty(t, f.provider.Calls())

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, header.CurrentStage)
	assert.Empty(t, f.recorder.ForCorrelation("c-1"))
}

func TestOverrideDropsCancelledGroupMember(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)
	f.seedHeader(t, "c-2", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)
	_, err := f.tracker.AppendStage(ctx, "c-2", tracker.StageUpdate{Stage: models.StageCancelled})
	require.NoError(t, err)

	m2 := member("c-2")
	m2.MeterSerial = "LG000002/E3"
	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"), m2)
	unit.GroupID = "grp-1"

	result, _ := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Equal(t, StepDeployDLCPolicy, result.NextStep)
	assert.Equal(t, []string{"CreatePolicy"}, f.provider.Calls())

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePolicyCreated, header.CurrentStage)

	cancelled, err := f.tracker.GetHeader(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, cancelled.CurrentStage)
}

func TestOverrideInvalidUnitDeclined(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", "TOGGLE", start, start.Add(time.Hour), models.StageQueued, 0)

	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"))
	unit.Status = "TOGGLE"
	result, _ := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Empty(t, result.NextStep)
	assert.Empty(t, f.provider.Calls())

	recorded := f.recorder.ForCorrelation("c-1")
	require.Len(t, recorded, 1)
	assert.Equal(t, validator.MsgStatusInvalid, recorded[0].EventDescription)
}

func TestOverrideExtensionWhileNeighbourEnforcing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	neighbourStart := now.Add(-30 * time.Minute)
	start := now.Add(30 * time.Minute) // neighbour end
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-0", models.StatusOn, neighbourStart, start, models.StagePolicyDeployed, 7)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)

	m := member("c-1")
	m.NeighbourCorrelationID = "c-0"
	m.NeighbourTerminalStart = &neighbourStart
	unit := overrideUnit(models.PolicyClassExtension, start, start.Add(time.Hour), m)

	result, p := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Equal(t, StepDeployDLCPolicy, result.NextStep)
	assert.Equal(t, now, result.RunAt, "neighbour enforcing, deploy immediately")
	assert.Equal(t, []string{"ReplacePolicy"}, f.provider.Calls())

	neighbour, err := f.tracker.GetHeader(ctx, "c-0")
	require.NoError(t, err)
	assert.Equal(t, models.StageExtendedBy, neighbour.CurrentStage)
	require.NotNil(t, neighbour.ExtendedBy)
	assert.Equal(t, "c-1", *neighbour.ExtendedBy)

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePolicyExtended, header.CurrentStage)
	require.NotNil(t, header.Extends)
	assert.Equal(t, "c-0", *header.Extends)
	require.NotNil(t, header.OriginalStart)
	assert.Equal(t, neighbourStart, *header.OriginalStart)
	require.NotNil(t, header.PolicyID)
	assert.Equal(t, p.PolicyID, *header.PolicyID)

	stages, err := f.tracker.ListStages(ctx, "c-1")
	require.NoError(t, err)
	names := []string{}
	for _, s := range stages {
		names = append(names, s.StageName)
	}
	assert.Equal(t, []string{"RECEIVED", "QUEUED", "EXTENDS", "POLICY_EXTENDED"}, names)

	neighbourEvents := f.recorder.ForCorrelation("c-0")
	require.Len(t, neighbourEvents, 1)
	assert.Equal(t, "EXTENDED_BY", neighbourEvents[0].Milestone)
	assert.Equal(t, "Request c-0 has been extended by request c-1", neighbourEvents[0].EventDescription)
}

func TestOverrideExtensionDefersDeployUntilNeighbourStarts(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	neighbourStart := now.Add(30 * time.Minute)
	start := neighbourStart.Add(time.Hour) // neighbour end
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-0", models.StatusOn, neighbourStart, start, models.StagePolicyDeployed, 7)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)

	m := member("c-1")
	m.NeighbourCorrelationID = "c-0"
	m.NeighbourTerminalStart = &neighbourStart
	unit := overrideUnit(models.PolicyClassExtension, start, start.Add(time.Hour), m)

	result, _ := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Equal(t, StepDeployDLCPolicy, result.NextStep)
	assert.Equal(t, neighbourStart.Add(5*time.Minute), result.RunAt)
}

func TestOverrideAdjacentCreationPushesStartBack(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-0", models.StatusOff, start.Add(-time.Hour), start, models.StagePolicyDeployed, 7)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)

	m := member("c-1")
	m.NeighbourCorrelationID = "c-0"
	unit := overrideUnit(models.PolicyClassCreation, start, start.Add(time.Hour), m)

	result, _ := f.execute(t, StepCreateDLCPolicy, OverridePayload{Unit: unit})
	assert.Equal(t, StepDeployDLCPolicy, result.NextStep)
	assert.Equal(t, []string{"ReplacePolicy"}, f.provider.Calls())

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePolicyCreated, header.CurrentStage)
	require.NotNil(t, header.RequestStart)
	assert.Equal(t, start.Add(5*time.Minute), *header.RequestStart)
}

func TestOverrideDeployNeedsPolicyID(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StagePolicyCreated, 0)

	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"))
	result, _ := f.execute(t, StepDeployDLCPolicy, OverridePayload{Unit: unit})
	assert.Empty(t, result.NextStep)

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageDeclined, header.CurrentStage)

	recorded := f.recorder.ForCorrelation("c-1")
	require.Len(t, recorded, 1)
	assert.Equal(t, "Invalid request: policy deployment needs policy id", recorded[0].EventDescription)
}

func TestOverrideReportFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	start := now.Add(30 * time.Minute)
	f := newOverrideFixture(t, now)
	f.seedHeader(t, "c-1", models.StatusOn, start, start.Add(time.Hour), models.StageQueued, 0)

	unit := overrideUnit(models.PolicyClassNew, start, start.Add(time.Hour), member("c-1"))
	payload, err := json.Marshal(OverridePayload{Unit: unit})
	require.NoError(t, err)

	f.executor.ReportFailure(ctx, &Execution{
		ExecutionKey: "c-1", Kind: KindOverride, Payload: payload,
	}, assert.AnError)

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageOverrideFailure, header.CurrentStage)

	recorded := f.recorder.ForCorrelation("c-1")
	require.Len(t, recorded, 1)
	assert.Equal(t, "DLC_OVERRIDE_FAILURE", recorded[0].Milestone)
	assert.Contains(t, recorded[0].EventDescription, "c-1 failed due to")
}
