package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/jobs"
	"github.com/kasetai/orchestrator/internal/resilience"
)

// errCancelled aborts the retry loop when a cancellation checkpoint fires.
var errCancelled = errors.New("job cancelled")

// processJob runs the full lifecycle for one delivered job. A nil return
// acknowledges the message; an error requests redelivery. Only infrastructure
// failures before the job is claimed do that; execution failures end in a
// recorded terminal state.
func (w *Worker) processJob(ctx context.Context, msg *jobs.Message) error {
	job, err := w.store.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			// Record expired before the message was consumed.
			w.logger.Warn("Job record not found, skipping",
				slog.String("job_id", msg.JobID),
			)
			return nil
		}
		return fmt.Errorf("failed to load job %s: %w", msg.JobID, err)
	}

	if _, err := w.store.AddReserved(ctx, -1); err != nil {
		w.logger.Warn("Failed to update reserved gauge",
			slog.String("error", err.Error()),
		)
	}

	// Cancellation checkpoint: before starting.
	if job.Status == jobs.StatusCancelled {
		w.logger.Info("Skipping cancelled job",
			slog.String("job_id", job.ID),
		)
		return nil
	}
	if job.Status.Terminal() {
		w.logger.Warn("Skipping job already in terminal state",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	job, err = w.hooks.OnStart(ctx, job, w.workerID)
	if err != nil {
		// Another write won the race (cancellation or duplicate delivery).
		w.logger.Warn("Could not start job, skipping",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	w.activeJobs.Add(1)
	w.store.AddActive(ctx, 1)
	defer func() {
		w.activeJobs.Add(-1)
		w.store.AddActive(ctx, -1)
	}()

	stop := w.monitor.Measure(job.Type)
	result, execErr := w.execute(ctx, job)
	stop()

	// Cancellation checkpoint: after completion the result of a cancelled
	// job is discarded silently.
	if w.store.IsCancelled(ctx, job.ID) {
		w.logger.Info("Discarding result of cancelled job",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	if execErr != nil {
		if errors.Is(execErr, errCancelled) {
			return nil
		}

		errorID := w.correlationID(execErr, job)
		if err := w.hooks.OnFailure(ctx, job, userMessage(execErr), errorID); err != nil {
			w.logger.Error("Failed to record job failure",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		w.logger.Error("Job failed",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.String("error_id", errorID),
			slog.String("error", execErr.Error()),
		)
		return nil
	}

	if err := w.hooks.OnSuccess(ctx, job, result); err != nil {
		w.logger.Error("Failed to record job success",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
	)
	return nil
}

// execute runs the downstream call for job through the retry executor, with
// the circuit breaker for the job's target inside the retry loop.
func (w *Worker) execute(ctx context.Context, job *jobs.Job) (map[string]any, error) {
	retryCount := job.RetryCount

	return w.executor.Execute(ctx, resilience.Request{
		Name:       job.Type,
		MaxRetries: job.MaxRetries,
		Recovery:   w.recovery(job),

		OnRetry: func(ctx context.Context, _ int, err error) {
			retryCount++
			w.hooks.OnRetry(ctx, job, retryCount, err)
		},

		// Cancellation checkpoint: before each retry, after the backoff wait.
		BeforeRetry: func(ctx context.Context) error {
			if w.store.IsCancelled(ctx, job.ID) {
				return fmt.Errorf("%w: %s", errCancelled, job.ID)
			}
			if _, err := w.hooks.OnStart(ctx, job, w.workerID); err != nil {
				return fmt.Errorf("%w: %s", errCancelled, job.ID)
			}
			return nil
		},

		Fn: func(ctx context.Context) (map[string]any, error) {
			return w.breakers.Call(job.Type, func() (map[string]any, error) {
				return w.inference.Process(ctx, job.Type, job.Payload)
			})
		},
	})
}

// recovery maps the failed attempt's category to a recovery strategy: model
// errors clear the downstream accelerator cache, resource errors release
// memory held by the failed attempt.
func (w *Worker) recovery(job *jobs.Job) resilience.RecoveryFunc {
	return func(ctx context.Context, err error, _ map[string]any) error {
		category, _ := faults.Classify(err)
		switch category {
		case faults.CategoryModel:
			return w.inference.ClearCache(ctx, job.Type)
		case faults.CategoryResource:
			runtime.GC()
			return nil
		default:
			return nil
		}
	}
}

// correlationID extracts the tracker error ID for a terminal failure. A
// circuit-open rejection never produced an attempt entry, so one is recorded
// here to keep the FAILURE status correlatable.
func (w *Worker) correlationID(execErr error, job *jobs.Job) string {
	var exhausted *resilience.ExhaustedError
	if errors.As(execErr, &exhausted) {
		return exhausted.ErrorID
	}
	if errors.Is(execErr, resilience.ErrCircuitOpen) {
		return w.tracker.Record(execErr, faults.CategoryResource, faults.SeverityHigh, map[string]any{
			"job_id":    job.ID,
			"operation": job.Type,
			"circuit":   "open",
		})
	}
	return ""
}

// userMessage renders a failure for external callers: human-readable, no
// internals beyond the downstream detail.
func userMessage(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "downstream service temporarily unavailable"
	}
	return err.Error()
}
