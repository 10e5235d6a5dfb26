// Package dispatcher accepts job submissions, persists the initial record and
// routes the job message onto the queue matching its priority.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/jobs"
)

// Publisher sends a job message to the exchange under a routing key.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// DepthInspector reports how many messages wait in a queue.
type DepthInspector interface {
	QueueDepth(queue string) (int, error)
}

// QueueRoute binds a queue name to its routing key for metrics and routing.
type QueueRoute struct {
	Queue      string
	RoutingKey string
}

// Config holds dispatcher routing configuration.
type Config struct {
	// JobTypes lists the job types with a configured downstream target.
	JobTypes []string

	// Default and Priority are the two routes; submissions with priority >=
	// PriorityThreshold go to the priority queue.
	Default           QueueRoute
	Priority          QueueRoute
	PriorityThreshold int

	// DefaultMaxRetries applies when a submission does not set max_retries.
	DefaultMaxRetries int
}

// QueueMetrics is the queue_metrics() snapshot.
type QueueMetrics struct {
	Active     int64          `json:"active"`
	Reserved   int64          `json:"reserved"`
	Scheduled  int            `json:"scheduled"`
	QueueDepth map[string]int `json:"queue_depth"`
}

// Dispatcher owns job submission, cancellation and queue metrics.
type Dispatcher struct {
	config    Config
	store     *jobs.Store
	publisher Publisher
	inspector DepthInspector
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a dispatcher.
func New(config Config, store *jobs.Store, publisher Publisher, inspector DepthInspector, logger *slog.Logger) *Dispatcher {
	if config.DefaultMaxRetries <= 0 {
		config.DefaultMaxRetries = 3
	}
	return &Dispatcher{
		config:    config,
		store:     store,
		publisher: publisher,
		inspector: inspector,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit creates a PENDING job record and publishes its message. At-most-once
// per call: callers needing idempotency across retried submissions must carry
// their own key.
func (d *Dispatcher) Submit(ctx context.Context, jobType string, payload map[string]any, priority, maxRetries int) (*jobs.Job, error) {
	if !slices.Contains(d.config.JobTypes, jobType) {
		return nil, faults.Newf(faults.CategoryValidation, faults.SeverityMedium,
			"unknown job type %q", jobType)
	}
	if maxRetries < 0 {
		return nil, faults.Newf(faults.CategoryValidation, faults.SeverityMedium,
			"max_retries must not be negative")
	}
	if maxRetries == 0 {
		maxRetries = d.config.DefaultMaxRetries
	}

	now := d.now()
	job := &jobs.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: maxRetries,
		Status:     jobs.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := d.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	body, err := json.Marshal(jobs.Message{JobID: job.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}

	route := d.config.Default
	if priority >= d.config.PriorityThreshold {
		route = d.config.Priority
	}

	if err := d.publisher.PublishWithRetry(ctx, route.RoutingKey, body, "application/json"); err != nil {
		// The record exists but no worker will ever see it; cancel it so the
		// caller is not left polling a job that cannot run.
		if _, cancelErr := d.store.Cancel(ctx, job.ID); cancelErr != nil {
			d.logger.Error("Failed to cancel unpublishable job",
				slog.String("job_id", job.ID),
				slog.String("error", cancelErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to publish job message: %w", err)
	}

	if _, err := d.store.AddReserved(ctx, 1); err != nil {
		d.logger.Warn("Failed to update reserved gauge",
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.Int("priority", priority),
		slog.String("queue", route.Queue),
	)
	return job, nil
}

// Status returns the last known job snapshot. Never blocks beyond the store
// read; an expired or unknown job yields jobs.ErrNotFound.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*jobs.Job, error) {
	return d.store.Get(ctx, jobID)
}

// Cancel requests cooperative cancellation of a job.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := d.store.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
	)
	return job, nil
}

// QueueMetrics reports active/reserved gauges and per-queue depths.
func (d *Dispatcher) QueueMetrics(ctx context.Context) (QueueMetrics, error) {
	metrics := QueueMetrics{QueueDepth: make(map[string]int)}
	metrics.Active, metrics.Reserved = d.store.Gauges(ctx)

	for _, route := range []QueueRoute{d.config.Default, d.config.Priority} {
		depth, err := d.inspector.QueueDepth(route.Queue)
		if err != nil {
			return QueueMetrics{}, fmt.Errorf("failed to inspect queue %s: %w", route.Queue, err)
		}
		metrics.QueueDepth[route.Queue] = depth
		metrics.Scheduled += depth
	}
	return metrics, nil
}
