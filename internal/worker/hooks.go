package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kasetai/orchestrator/internal/jobs"
)

// Hooks are the lifecycle callbacks invoked synchronously in the worker's own
// execution path. The canonical hooks write every transition to the status
// store; deployments can wrap them to add side effects.
type Hooks struct {
	// OnStart transitions a job to STARTED (also on re-entry after a RETRY).
	OnStart func(ctx context.Context, job *jobs.Job, workerID string) (*jobs.Job, error)

	// OnRetry records a recoverable failure and the new retry count.
	OnRetry func(ctx context.Context, job *jobs.Job, retryCount int, err error)

	// OnSuccess records the terminal SUCCESS state with the result.
	OnSuccess func(ctx context.Context, job *jobs.Job, result map[string]any) error

	// OnFailure records the terminal FAILURE state with a human-readable
	// error and the tracker correlation ID.
	OnFailure func(ctx context.Context, job *jobs.Job, errMsg, errorID string) error
}

// NewLifecycleHooks returns hooks backed by the status store. Writes rejected
// as stale or as invalid transitions belong to a cancelled or superseded
// attempt and are discarded silently.
func NewLifecycleHooks(store *jobs.Store, logger *slog.Logger) Hooks {
	discardable := func(err error) bool {
		return errors.Is(err, jobs.ErrStaleUpdate) || errors.Is(err, jobs.ErrInvalidTransition)
	}

	return Hooks{
		OnStart: func(ctx context.Context, job *jobs.Job, workerID string) (*jobs.Job, error) {
			return store.MarkStarted(ctx, job.ID, workerID)
		},

		OnRetry: func(ctx context.Context, job *jobs.Job, retryCount int, err error) {
			if _, markErr := store.MarkRetry(ctx, job.ID, retryCount, err.Error()); markErr != nil && !discardable(markErr) {
				logger.Error("Failed to record retry state",
					slog.String("job_id", job.ID),
					slog.String("error", markErr.Error()),
				)
			}
		},

		OnSuccess: func(ctx context.Context, job *jobs.Job, result map[string]any) error {
			if _, err := store.MarkSuccess(ctx, job.ID, result); err != nil {
				if discardable(err) {
					logger.Info("Discarding success of superseded attempt",
						slog.String("job_id", job.ID),
					)
					return nil
				}
				return err
			}
			return nil
		},

		OnFailure: func(ctx context.Context, job *jobs.Job, errMsg, errorID string) error {
			if _, err := store.MarkFailure(ctx, job.ID, errMsg, errorID); err != nil {
				if discardable(err) {
					logger.Info("Discarding failure of superseded attempt",
						slog.String("job_id", job.ID),
					)
					return nil
				}
				return err
			}
			return nil
		},
	}
}
