package contiguity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/tracker"
)

const (
	testSite  = "NMI0000001"
	testMeter = "LG000001/E3"
)

type seed struct {
	correlationID string
	status        string
	stage         models.Stage
	start, end    time.Time
	extends       string
}

func seedStore(t *testing.T, seeds ...seed) *tracker.MemoryStore {
	t.Helper()
	store := tracker.NewMemoryStore()
	for _, s := range seeds {
		start, end := s.start, s.end
		require.NoError(t, store.CreateHeader(context.Background(), &tracker.Header{
			CorrelationID:  s.correlationID,
			SubscriptionID: "sub-1",
			Site:           testSite,
			MeterSerial:    testMeter,
			OverrideValue:  s.status,
			RequestStart:   &start,
			RequestEnd:     &end,
		}))
		upd := tracker.StageUpdate{Stage: s.stage}
		if s.extends != "" {
			extends := s.extends
			upd.Extends = &extends
		}
		if s.stage != models.StageReceived {
			_, err := store.AppendStage(context.Background(), s.correlationID, upd)
			require.NoError(t, err)
		}
	}
	return store
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hour := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

	t.Run("no neighbour classifies as new", func(t *testing.T) {
		store := seedStore(t)
		res, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
		require.NoError(t, err)
		assert.Equal(t, models.PolicyClassNew, res.Class)
		assert.Nil(t, res.Neighbour)
	})

	t.Run("same direction neighbour classifies as extension", func(t *testing.T) {
		store := seedStore(t, seed{"c-1", models.StatusOn, models.StagePolicyDeployed, hour(-2), hour(0), ""})
		res, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
		require.NoError(t, err)
		assert.Equal(t, models.PolicyClassExtension, res.Class)
		require.NotNil(t, res.Neighbour)
		assert.Equal(t, "c-1", res.Neighbour.CorrelationID)
		assert.Equal(t, "c-1", res.Terminal.CorrelationID)
	})

	t.Run("opposite direction neighbour classifies as creation", func(t *testing.T) {
		store := seedStore(t, seed{"c-1", models.StatusOff, models.StagePolicyDeployed, hour(-2), hour(0), ""})
		res, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
		require.NoError(t, err)
		assert.Equal(t, models.PolicyClassCreation, res.Class)
		require.NotNil(t, res.Neighbour)
		assert.Equal(t, res.Neighbour.CorrelationID, res.Terminal.CorrelationID)
	})

	t.Run("extension chain walks back to the terminal request", func(t *testing.T) {
		store := seedStore(t,
			seed{"c-1", models.StatusOn, models.StageExtendedBy, hour(-6), hour(-4), ""},
			seed{"c-2", models.StatusOn, models.StageExtendedBy, hour(-4), hour(-2), "c-1"},
			seed{"c-3", models.StatusOn, models.StagePolicyExtended, hour(-2), hour(0), "c-2"},
		)
		res, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
		require.NoError(t, err)
		assert.Equal(t, models.PolicyClassExtension, res.Class)
		assert.Equal(t, "c-3", res.Neighbour.CorrelationID)
		assert.Equal(t, "c-1", res.Terminal.CorrelationID)
		require.NotNil(t, res.Terminal.RequestStart)
		assert.Equal(t, hour(-6), *res.Terminal.RequestStart)
	})

	t.Run("requests without a live policy are not neighbours", func(t *testing.T) {
		for _, stage := range []models.Stage{
			models.StageReceived,
			models.StageQueued,
			models.StageCancelled,
			models.StageOverrideFinished,
		} {
			store := seedStore(t, seed{"c-1", models.StatusOn, stage, hour(-2), hour(0), ""})
			res, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
			require.NoError(t, err)
			assert.Equal(t, models.PolicyClassNew, res.Class, "stage %s", stage)
		}
	})

	t.Run("window not touching the start is not a neighbour", func(t *testing.T) {
		store := seedStore(t, seed{"c-1", models.StatusOn, models.StagePolicyDeployed, hour(-3), hour(-1), ""})
		res, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
		require.NoError(t, err)
		assert.Equal(t, models.PolicyClassNew, res.Class)
	})

	t.Run("two neighbours is a data-integrity error", func(t *testing.T) {
		store := seedStore(t,
			seed{"c-1", models.StatusOn, models.StagePolicyDeployed, hour(-2), hour(0), ""},
			seed{"c-2", models.StatusOn, models.StagePolicyDeployed, hour(-3), hour(0), ""},
		)
		_, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
		var ambiguous *AmbiguousNeighboursError
		require.ErrorAs(t, err, &ambiguous)
		assert.Equal(t, testMeter, ambiguous.MeterSerial)
	})

	t.Run("broken chain surfaces the missing correlation id", func(t *testing.T) {
		store := seedStore(t,
			seed{"c-3", models.StatusOn, models.StagePolicyExtended, hour(-2), hour(0), "c-missing"},
		)
		_, err := NewResolver(store).Resolve(ctx, testSite, testMeter, models.StatusOn, hour(0))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "c-missing")
	})
}
