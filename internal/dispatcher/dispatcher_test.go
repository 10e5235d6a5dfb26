package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/jobs"
	"github.com/kasetai/orchestrator/internal/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publishedMessage struct {
	routingKey string
	body       []byte
}

type fakePublisher struct {
	published []publishedMessage
	err       error
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{routingKey: routingKey, body: body})
	return nil
}

type fakeInspector struct {
	depths map[string]int
	err    error
}

func (f *fakeInspector) QueueDepth(queue string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.depths[queue], nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testDeps) {
	t.Helper()

	mem := kv.NewMemory()
	store := jobs.NewStore(mem, time.Hour, testLogger())
	publisher := &fakePublisher{}
	inspector := &fakeInspector{depths: map[string]int{}}

	d := New(Config{
		JobTypes:          []string{"vision", "llm"},
		Default:           QueueRoute{Queue: "inference_jobs", RoutingKey: "inference.default"},
		Priority:          QueueRoute{Queue: "inference_jobs_priority", RoutingKey: "inference.priority"},
		PriorityThreshold: 5,
		DefaultMaxRetries: 3,
	}, store, publisher, inspector, testLogger())

	return d, &testDeps{mem: mem, store: store, publisher: publisher, inspector: inspector}
}

type testDeps struct {
	mem       *kv.Memory
	store     *jobs.Store
	publisher *fakePublisher
	inspector *fakeInspector
}

// jobIDs scans the raw key space for stored job records.
func (deps *testDeps) jobIDs(t *testing.T) []string {
	t.Helper()

	keys, err := deps.mem.ScanPrefix(context.Background(), "job:")
	require.NoError(t, err)

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, "job:"))
	}
	return ids
}

func TestDispatcher_Submit(t *testing.T) {
	d, deps := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Submit(ctx, "vision", map[string]any{"image": "s3://bucket/img.png"}, 0, 0)
	require.NoError(t, err)

	_, err = uuid.Parse(job.ID)
	require.NoError(t, err, "job IDs are UUIDs")
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries, "zero max_retries takes the default")

	// The record is readable immediately after submission.
	stored, err := deps.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, stored.Status)

	// The published message carries only the job ID.
	require.Len(t, deps.publisher.published, 1)
	assert.Equal(t, "inference.default", deps.publisher.published[0].routingKey)

	var msg jobs.Message
	require.NoError(t, json.Unmarshal(deps.publisher.published[0].body, &msg))
	assert.Equal(t, job.ID, msg.JobID)
}

func TestDispatcher_SubmitPriorityRouting(t *testing.T) {
	d, deps := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Submit(ctx, "vision", nil, 4, 1)
	require.NoError(t, err)
	_, err = d.Submit(ctx, "vision", nil, 5, 1)
	require.NoError(t, err)
	_, err = d.Submit(ctx, "llm", nil, 9, 1)
	require.NoError(t, err)

	require.Len(t, deps.publisher.published, 3)
	assert.Equal(t, "inference.default", deps.publisher.published[0].routingKey)
	assert.Equal(t, "inference.priority", deps.publisher.published[1].routingKey)
	assert.Equal(t, "inference.priority", deps.publisher.published[2].routingKey)
}

func TestDispatcher_SubmitValidation(t *testing.T) {
	d, deps := newTestDispatcher(t)
	ctx := context.Background()

	t.Run("unknown job type", func(t *testing.T) {
		_, err := d.Submit(ctx, "audio", nil, 0, 0)
		require.Error(t, err)

		category, _ := faults.Classify(err)
		assert.Equal(t, faults.CategoryValidation, category)
		assert.Empty(t, deps.publisher.published)
	})

	t.Run("negative max retries", func(t *testing.T) {
		_, err := d.Submit(ctx, "vision", nil, 0, -1)
		require.Error(t, err)

		category, _ := faults.Classify(err)
		assert.Equal(t, faults.CategoryValidation, category)
	})
}

func TestDispatcher_SubmitPublishFailureCancelsRecord(t *testing.T) {
	d, deps := newTestDispatcher(t)
	deps.publisher.err = errors.New("broker unavailable")
	ctx := context.Background()

	_, err := d.Submit(ctx, "vision", nil, 0, 0)
	require.Error(t, err)

	// The orphaned record was cancelled so callers never poll a job that
	// cannot run.
	ids := deps.jobIDs(t)
	require.Len(t, ids, 1)
	assert.True(t, deps.store.IsCancelled(ctx, ids[0]))
}

func TestDispatcher_Status(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Submit(ctx, "vision", nil, 0, 0)
	require.NoError(t, err)

	got, err := d.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = d.Status(ctx, uuid.NewString())
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestDispatcher_Cancel(t *testing.T) {
	d, deps := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Submit(ctx, "vision", nil, 0, 0)
	require.NoError(t, err)

	cancelled, err := d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)
	assert.True(t, deps.store.IsCancelled(ctx, job.ID))

	_, err = d.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrNotCancellable)
}

func TestDispatcher_QueueMetrics(t *testing.T) {
	d, deps := newTestDispatcher(t)
	ctx := context.Background()

	deps.inspector.depths["inference_jobs"] = 7
	deps.inspector.depths["inference_jobs_priority"] = 2

	_, err := deps.store.AddActive(ctx, 3)
	require.NoError(t, err)
	_, err = deps.store.AddReserved(ctx, 4)
	require.NoError(t, err)

	metrics, err := d.QueueMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), metrics.Active)
	assert.Equal(t, int64(4), metrics.Reserved)
	assert.Equal(t, 9, metrics.Scheduled)
	assert.Equal(t, map[string]int{
		"inference_jobs":          7,
		"inference_jobs_priority": 2,
	}, metrics.QueueDepth)
}

func TestDispatcher_QueueMetricsInspectorError(t *testing.T) {
	d, deps := newTestDispatcher(t)
	deps.inspector.err = errors.New("channel closed")

	_, err := d.QueueMetrics(context.Background())
	assert.Error(t, err)
}
