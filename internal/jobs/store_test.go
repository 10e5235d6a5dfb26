package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasetai/orchestrator/internal/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(kv.NewMemory(), time.Hour, testLogger())
}

func newPendingJob(id string) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Type:       "vision",
		Payload:    map[string]any{"image": "s3://bucket/img.png"},
		MaxRetries: 3,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newPendingJob("job-1")
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "vision", got.Type)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, map[string]any{"image": "s3://bucket/img.png"}, got.Payload)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newPendingJob("job-1")))

	started, err := store.MarkStarted(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, started.Status)
	assert.Equal(t, "worker-a", started.WorkerID)
	require.NotNil(t, started.StartedAt)

	retried, err := store.MarkRetry(ctx, "job-1", 1, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, "connection refused", retried.Error)

	restarted, err := store.MarkStarted(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, restarted.Status)

	done, err := store.MarkSuccess(ctx, "job-1", map[string]any{"label": "cat"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, map[string]any{"label": "cat"}, done.Result)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.CompletedAt)
}

func TestStore_MarkFailureCarriesErrorID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newPendingJob("job-1")))
	_, err := store.MarkStarted(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	failed, err := store.MarkFailure(ctx, "job-1", "failed after 4 attempts", "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, failed.Status)
	assert.Equal(t, "ab12cd34", failed.ErrorID)
	assert.Equal(t, "failed after 4 attempts", failed.Error)
}

func TestStore_InvalidTransitionRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newPendingJob("job-1")))

	// PENDING cannot jump straight to SUCCESS.
	_, err := store.MarkSuccess(ctx, "job-1", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStore_StaleWriteDropped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newPendingJob("job-1")
	require.NoError(t, store.Create(ctx, job))

	current, err := store.MarkStarted(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	// A write stamped no newer than the stored snapshot is rejected.
	stale := *current
	stale.Status = StatusCancelled
	err = store.write(ctx, &stale)
	assert.ErrorIs(t, err, ErrStaleUpdate)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, got.Status)
}

func TestStore_MonotonicUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Freeze the clock so every transition would stamp the same instant.
	frozen := time.Now()
	store.now = func() time.Time { return frozen }

	job := newPendingJob("job-1")
	job.CreatedAt = frozen
	job.UpdatedAt = frozen
	require.NoError(t, store.Create(ctx, job))

	started, err := store.MarkStarted(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, started.UpdatedAt.After(frozen))

	retried, err := store.MarkRetry(ctx, "job-1", 1, "boom")
	require.NoError(t, err)
	assert.True(t, retried.UpdatedAt.After(started.UpdatedAt))
}

func TestStore_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending job", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newPendingJob("job-1")))

		cancelled, err := store.Cancel(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		assert.True(t, store.IsCancelled(ctx, "job-1"))
	})

	t.Run("started job", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newPendingJob("job-1")))
		_, err := store.MarkStarted(ctx, "job-1", "worker-a")
		require.NoError(t, err)

		_, err = store.Cancel(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, store.IsCancelled(ctx, "job-1"))
	})

	t.Run("terminal job", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newPendingJob("job-1")))
		_, err := store.MarkStarted(ctx, "job-1", "worker-a")
		require.NoError(t, err)
		_, err = store.MarkSuccess(ctx, "job-1", nil)
		require.NoError(t, err)

		_, err = store.Cancel(ctx, "job-1")
		assert.ErrorIs(t, err, ErrNotCancellable)
	})

	t.Run("missing job", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.Cancel(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		// An expired record counts as cancelled so it is never executed.
		assert.True(t, store.IsCancelled(ctx, "nope"))
	})
}

func TestStore_Gauges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddReserved(ctx, 2)
	require.NoError(t, err)
	_, err = store.AddActive(ctx, 1)
	require.NoError(t, err)
	_, err = store.AddReserved(ctx, -1)
	require.NoError(t, err)

	active, reserved := store.Gauges(ctx)
	assert.Equal(t, int64(1), active)
	assert.Equal(t, int64(1), reserved)
}
