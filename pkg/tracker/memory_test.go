package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cresconet/loadctl/pkg/models"
)

func newHeader(correlationID, site, meter string, start, end time.Time) *Header {
	return &Header{
		CorrelationID:  correlationID,
		SubscriptionID: "sub-1",
		Site:           site,
		MeterSerial:    meter,
		OverrideValue:  models.StatusOn,
		RequestStart:   &start,
		RequestEnd:     &end,
	}
}

func TestCreateHeader(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	t.Run("writes RECEIVED header with first stage record", func(t *testing.T) {
		require.NoError(t, store.CreateHeader(ctx, newHeader("c-1", "S1", "M1", start, end)))

		h, err := store.GetHeader(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, models.StageReceived, h.CurrentStage)
		assert.Equal(t, 1, h.StageCount)
		assert.Equal(t, models.LoadControlService, h.Service)

		stages, err := store.ListStages(ctx, "c-1")
		require.NoError(t, err)
		require.Len(t, stages, 1)
		assert.Equal(t, 1, stages[0].StageNumber)
		assert.Equal(t, string(models.StageReceived), stages[0].StageName)
	})

	t.Run("rejects duplicate correlation id", func(t *testing.T) {
		err := store.CreateHeader(ctx, newHeader("c-1", "S1", "M1", start, end))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("unknown id returns ErrNotFound", func(t *testing.T) {
		_, err := store.GetHeader(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAppendStage(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	t.Run("stage numbers are dense and match stage_count", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.CreateHeader(ctx, newHeader("c-1", "S1", "M1", start, end)))

		for _, st := range []models.Stage{models.StageQueued, models.StagePolicyCreated, models.StagePolicyDeployed} {
			_, err := store.AppendStage(ctx, "c-1", StageUpdate{Stage: st})
			require.NoError(t, err)
		}

		h, err := store.GetHeader(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 4, h.StageCount)
		assert.Equal(t, models.StagePolicyDeployed, h.CurrentStage)

		stages, err := store.ListStages(ctx, "c-1")
		require.NoError(t, err)
		require.Len(t, stages, 4)
		for i, rec := range stages {
			assert.Equal(t, i+1, rec.StageNumber)
		}
		assert.Equal(t, string(h.CurrentStage), stages[len(stages)-1].StageName)
	})

	t.Run("applies field mutations and snapshots them", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.CreateHeader(ctx, newHeader("c-1", "S1", "M1", start, end)))

		policyID := int64(9001)
		policyName := "DLCOverride(ON)-M1-1234"
		h, err := store.AppendStage(ctx, "c-1", StageUpdate{
			Stage:      models.StagePolicyCreated,
			PolicyID:   &policyID,
			PolicyName: &policyName,
		})
		require.NoError(t, err)
		require.NotNil(t, h.PolicyID)
		assert.Equal(t, policyID, *h.PolicyID)
		require.NotNil(t, h.HeadEnd)
		assert.Equal(t, models.HeadEndPolicyNet, *h.HeadEnd)

		stages, err := store.ListStages(ctx, "c-1")
		require.NoError(t, err)
		last := stages[len(stages)-1]
		require.NotNil(t, last.PolicyID)
		assert.Equal(t, policyID, *last.PolicyID)
	})

	t.Run("terminal stages are sinks", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.CreateHeader(ctx, newHeader("c-1", "S1", "M1", start, end)))
		_, err := store.AppendStage(ctx, "c-1", StageUpdate{Stage: models.StageDeclined, Message: "bad window"})
		require.NoError(t, err)

		_, err = store.AppendStage(ctx, "c-1", StageUpdate{Stage: models.StageQueued})
		assert.ErrorIs(t, err, ErrTerminalStage)
	})

	t.Run("clear policy removes the head-end reference", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.CreateHeader(ctx, newHeader("c-1", "S1", "M1", start, end)))
		policyID := int64(7)
		_, err := store.AppendStage(ctx, "c-1", StageUpdate{Stage: models.StagePolicyCreated, PolicyID: &policyID})
		require.NoError(t, err)

		h, err := store.AppendStage(ctx, "c-1", StageUpdate{Stage: models.StagePolicyDeployed, ClearPolicy: true})
		require.NoError(t, err)
		assert.Nil(t, h.PolicyID)
		assert.Nil(t, h.HeadEnd)
	})

	t.Run("unknown id returns ErrNotFound", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.AppendStage(ctx, "missing", StageUpdate{Stage: models.StageQueued})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBulkAppendStage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		require.NoError(t, store.CreateHeader(ctx, newHeader(id, "S1", "M"+id, start, end)))
	}

	require.NoError(t, store.BulkAppendStage(ctx, []string{"c-1", "c-2", "c-3"},
		StageUpdate{Stage: models.StageQueued}))

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		h, err := store.GetHeader(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StageQueued, h.CurrentStage)
		assert.Equal(t, 2, h.StageCount)
	}
}

func TestQueryMeterWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seed := []struct {
		id         string
		start, end time.Time
		stage      models.Stage
	}{
		{"c-1", t0, t0.Add(30 * time.Minute), models.StagePolicyDeployed},
		{"c-2", t0.Add(30 * time.Minute), t0.Add(time.Hour), models.StageQueued},
		{"c-3", t0.Add(2 * time.Hour), t0.Add(3 * time.Hour), models.StageCancelled},
	}
	for _, s := range seed {
		require.NoError(t, store.CreateHeader(ctx, newHeader(s.id, "S1", "M1", s.start, s.end)))
		if s.stage != models.StageReceived {
			_, err := store.AppendStage(ctx, s.id, StageUpdate{Stage: s.stage})
			require.NoError(t, err)
		}
	}

	t.Run("end equals matches exactly one neighbour", func(t *testing.T) {
		endEq := t0.Add(30 * time.Minute)
		headers, err := store.QueryMeterWindow(ctx, MeterWindowQuery{
			Site: "S1", MeterSerial: "M1",
			EndEquals:     &endEq,
			IncludeStages: models.ContiguityStages,
		})
		require.NoError(t, err)
		require.Len(t, headers, 1)
		assert.Equal(t, "c-1", headers[0].CorrelationID)
	})

	t.Run("window scan excludes inactive stages", func(t *testing.T) {
		endAfter := t0
		startBefore := t0.Add(4 * time.Hour)
		headers, err := store.QueryMeterWindow(ctx, MeterWindowQuery{
			Site: "S1", MeterSerial: "M1",
			EndAtOrAfter:    &endAfter,
			StartAtOrBefore: &startBefore,
			ExcludeStages:   models.InactiveStages,
		})
		require.NoError(t, err)
		require.Len(t, headers, 2)
		assert.Equal(t, "c-1", headers[0].CorrelationID)
		assert.Equal(t, "c-2", headers[1].CorrelationID)
	})

	t.Run("other meter is invisible", func(t *testing.T) {
		headers, err := store.QueryMeterWindow(ctx, MeterWindowQuery{Site: "S1", MeterSerial: "M9"})
		require.NoError(t, err)
		assert.Empty(t, headers)
	})
}

func TestSecondaryAccessPaths(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	h := newHeader("c-1", "S1", "M1", t0, t0.Add(30*time.Minute))
	h.SubscriptionID = "sub-a"
	require.NoError(t, store.CreateHeader(ctx, h))

	policyID := int64(42)
	_, err := store.AppendStage(ctx, "c-1", StageUpdate{Stage: models.StagePolicyCreated, PolicyID: &policyID})
	require.NoError(t, err)

	t.Run("by site", func(t *testing.T) {
		headers, err := store.ListBySite(ctx, "S1", 10)
		require.NoError(t, err)
		require.Len(t, headers, 1)
	})

	t.Run("by subscription", func(t *testing.T) {
		headers, err := store.ListBySubscription(ctx, "sub-a", 10)
		require.NoError(t, err)
		require.Len(t, headers, 1)
	})

	t.Run("by head-end policy id", func(t *testing.T) {
		found, err := store.FindByPolicyID(ctx, models.HeadEndPolicyNet, policyID)
		require.NoError(t, err)
		assert.Equal(t, "c-1", found.CorrelationID)

		_, err = store.FindByPolicyID(ctx, models.HeadEndPolicyNet, 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPendingReceived(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateHeader(ctx, newHeader("c-1", "S1", "M1", t0, t0.Add(time.Hour))))
	require.NoError(t, store.CreateHeader(ctx, newHeader("c-2", "S1", "M2", t0, t0.Add(time.Hour))))
	_, err := store.AppendStage(ctx, "c-2", StageUpdate{Stage: models.StageQueued})
	require.NoError(t, err)

	pending, err := store.PendingReceived(ctx, []string{"c-1", "c-2", "c-ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1"}, pending)
}
