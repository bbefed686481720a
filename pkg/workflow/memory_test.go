package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSubmitAndClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Submit(ctx, &Execution{
		ExecutionKey: "c-1",
		Kind:         KindOverride,
		NextStep:     StepCreateDLCPolicy,
		Payload:      []byte(`{}`),
	}))

	t.Run("duplicate key is rejected", func(t *testing.T) {
		err := store.Submit(ctx, &Execution{ExecutionKey: "c-1", Kind: KindOverride})
		assert.ErrorIs(t, err, ErrDuplicateExecution)
	})

	t.Run("claim marks the execution running", func(t *testing.T) {
		exec, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		assert.Equal(t, "c-1", exec.ExecutionKey)
		assert.Equal(t, StatusRunning, exec.Status)
		require.NotNil(t, exec.PodID)
		assert.Equal(t, "pod-a", *exec.PodID)

		running, err := store.CountRunning(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, running)
	})

	t.Run("nothing else is claimable", func(t *testing.T) {
		_, err := store.ClaimNext(ctx, "pod-a")
		assert.ErrorIs(t, err, ErrNoExecutionsAvailable)
	})
}

func TestMemoryStoreDeferredRunAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Submit(ctx, &Execution{
		ExecutionKey: "c-1",
		Kind:         KindOverride,
		NextStep:     StepDeployDLCPolicy,
		RunAt:        now.Add(5 * time.Minute),
	}))

	_, err := store.ClaimNext(ctx, "pod-a")
	assert.ErrorIs(t, err, ErrNoExecutionsAvailable)

	now = now.Add(6 * time.Minute)
	exec, err := store.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, "c-1", exec.ExecutionKey)
}

func TestMemoryStoreClaimOrdersByRunAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, store.Submit(ctx, &Execution{ExecutionKey: "late", Kind: KindOverride, RunAt: base.Add(time.Minute)}))
	require.NoError(t, store.Submit(ctx, &Execution{ExecutionKey: "early", Kind: KindOverride, RunAt: base}))

	exec, err := store.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, "early", exec.ExecutionKey)
}

func TestMemoryStoreSaveStepBarrier(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Submit(ctx, &Execution{
		ExecutionKey: "c-1", Kind: KindOverride, NextStep: StepCreateDLCPolicy, Payload: []byte(`{"a":1}`),
	}))
	_, err := store.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)

	runAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.SaveStep(ctx, "c-1", StepDeployDLCPolicy, []byte(`{"a":2}`), runAt, 0))

	exec, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Equal(t, StepDeployDLCPolicy, exec.NextStep)
	assert.JSONEq(t, `{"a":2}`, string(exec.Payload))
	assert.Nil(t, exec.PodID)

	t.Run("save step on a non-running execution reports stopped", func(t *testing.T) {
		err := store.SaveStep(ctx, "c-1", StepDeployDLCPolicy, nil, runAt, 0)
		assert.ErrorIs(t, err, ErrStopped)
	})
}

func TestMemoryStoreStopWinsOverStep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Submit(ctx, &Execution{
		ExecutionKey: "c-1", Kind: KindOverride, NextStep: StepCreateDLCPolicy,
	}))
	_, err := store.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)

	stopped, err := store.Stop(ctx, "c-1", CancellationReason)
	require.NoError(t, err)
	assert.True(t, stopped)

	// The worker's barrier writes must now be discarded.
	assert.ErrorIs(t, store.SaveStep(ctx, "c-1", StepDeployDLCPolicy, nil, time.Now(), 0), ErrStopped)
	assert.ErrorIs(t, store.Complete(ctx, "c-1", StatusCompleted, ""), ErrStopped)

	exec, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, exec.Status)
	require.NotNil(t, exec.ErrorMessage)
	assert.Equal(t, CancellationReason, *exec.ErrorMessage)

	t.Run("stopping a terminal execution is a no-op", func(t *testing.T) {
		stopped, err := store.Stop(ctx, "c-1", "again")
		require.NoError(t, err)
		assert.False(t, stopped)
	})
}

func TestMemoryStoreRequeueOrphans(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Submit(ctx, &Execution{ExecutionKey: "c-1", Kind: KindOverride}))
	_, err := store.ClaimNext(ctx, "pod-dead")
	require.NoError(t, err)

	// Heartbeat still fresh.
	requeued, err := store.RequeueOrphans(ctx, 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)

	now = now.Add(5 * time.Minute)
	requeued, err = store.RequeueOrphans(ctx, 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	exec, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Nil(t, exec.PodID)
}

func TestMemoryStoreDeleteFinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Submit(ctx, &Execution{ExecutionKey: "done", Kind: KindOverride}))
	require.NoError(t, store.Submit(ctx, &Execution{
		ExecutionKey: "fresh", Kind: KindOverride, RunAt: now.Add(time.Minute),
	}))
	_, err := store.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "done", StatusCompleted, ""))

	now = now.Add(48 * time.Hour)
	deleted, err := store.DeleteFinished(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}
