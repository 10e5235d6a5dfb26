package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kasetai/orchestrator/internal/kv"
)

const (
	jobKeyPrefix = "job:"

	// Gauge keys maintained alongside job records for queue metrics.
	keyActiveJobs   = "stats:active_jobs"
	keyReservedJobs = "stats:reserved_jobs"
)

// Store persists job records in the shared key-value store. Records live
// under "job:{id}" with a bounded retention TTL; expiry is the only way a
// record disappears.
type Store struct {
	kv        kv.Store
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a status store with the given retention window.
func NewStore(store kv.Store, retention time.Duration, logger *slog.Logger) *Store {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{
		kv:        store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Create writes the initial PENDING record for a newly submitted job.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if err := s.write(ctx, job); err != nil {
		return err
	}
	s.logger.Info("Job record created",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("priority", job.Priority),
	)
	return nil
}

// Get returns the last known snapshot of a job, or ErrNotFound if the record
// expired or never existed. It never blocks on anything but the store read.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.kv.Get(ctx, jobKeyPrefix+jobID)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// MarkStarted transitions a job to STARTED and records the executing worker.
func (s *Store) MarkStarted(ctx context.Context, jobID, workerID string) (*Job, error) {
	return s.transition(ctx, jobID, StatusStarted, func(job *Job, now time.Time) {
		job.WorkerID = workerID
		if job.StartedAt == nil {
			startedAt := now
			job.StartedAt = &startedAt
		}
	})
}

// MarkRetry records a recoverable failure and the new retry count.
func (s *Store) MarkRetry(ctx context.Context, jobID string, retryCount int, errMsg string) (*Job, error) {
	return s.transition(ctx, jobID, StatusRetry, func(job *Job, _ time.Time) {
		job.RetryCount = retryCount
		job.Error = errMsg
	})
}

// MarkSuccess transitions a job to SUCCESS with its result.
func (s *Store) MarkSuccess(ctx context.Context, jobID string, result map[string]any) (*Job, error) {
	return s.transition(ctx, jobID, StatusSuccess, func(job *Job, now time.Time) {
		completedAt := now
		job.CompletedAt = &completedAt
		job.Result = result
		job.Error = ""
		job.ErrorID = ""
	})
}

// MarkFailure transitions a job to FAILURE with a human-readable error and a
// stable error ID for correlation with the error tracker.
func (s *Store) MarkFailure(ctx context.Context, jobID, errMsg, errorID string) (*Job, error) {
	return s.transition(ctx, jobID, StatusFailure, func(job *Job, now time.Time) {
		completedAt := now
		job.CompletedAt = &completedAt
		job.Error = errMsg
		job.ErrorID = errorID
	})
}

// Cancel transitions a PENDING or STARTED job to CANCELLED. Cancellation is
// cooperative: the in-flight worker is not interrupted, it observes the state
// at its checkpoints and discards any result.
func (s *Store) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCancellable, jobID, job.Status)
	}
	return s.transition(ctx, jobID, StatusCancelled, nil)
}

// IsCancelled reports whether a job has been cancelled. A missing record
// counts as cancelled so an expired job is never executed.
func (s *Store) IsCancelled(ctx context.Context, jobID string) bool {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return true
	}
	return job.Status == StatusCancelled
}

// AddActive adjusts the active-jobs gauge and returns the new value.
func (s *Store) AddActive(ctx context.Context, delta int64) (int64, error) {
	return s.kv.IncrBy(ctx, keyActiveJobs, delta)
}

// AddReserved adjusts the reserved-jobs gauge (dispatched but not started).
func (s *Store) AddReserved(ctx context.Context, delta int64) (int64, error) {
	return s.kv.IncrBy(ctx, keyReservedJobs, delta)
}

// Gauges returns the current active and reserved job counts.
func (s *Store) Gauges(ctx context.Context) (active, reserved int64) {
	active, _ = s.kv.IncrBy(ctx, keyActiveJobs, 0)
	reserved, _ = s.kv.IncrBy(ctx, keyReservedJobs, 0)
	return active, reserved
}

// transition applies a validated state change, stamps a strictly newer
// updated_at and persists the record. Stale writes are dropped, not blindly
// overwritten.
func (s *Store) transition(ctx context.Context, jobID string, to Status, mutate func(*Job, time.Time)) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !CanTransition(job.Status, to) {
		return nil, fmt.Errorf("%w: %s → %s for job %s", ErrInvalidTransition, job.Status, to, jobID)
	}

	now := s.now()
	// Guarantee monotonic updated_at even on coarse clocks.
	if !now.After(job.UpdatedAt) {
		now = job.UpdatedAt.Add(time.Nanosecond)
	}

	job.Status = to
	job.UpdatedAt = now
	if mutate != nil {
		mutate(job, now)
	}

	if err := s.write(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(to)),
	)
	return job, nil
}

func (s *Store) write(ctx context.Context, job *Job) error {
	// A write that is not newer than the stored snapshot belongs to a
	// superseded or cancelled attempt and is dropped.
	if current, err := s.Get(ctx, job.ID); err == nil {
		if !job.UpdatedAt.After(current.UpdatedAt) {
			s.logger.Warn("Dropping stale job update",
				slog.String("job_id", job.ID),
				slog.Time("stored_updated_at", current.UpdatedAt),
				slog.Time("write_updated_at", job.UpdatedAt),
			)
			return ErrStaleUpdate
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := s.kv.SetWithTTL(ctx, jobKeyPrefix+job.ID, data, s.retention); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}
