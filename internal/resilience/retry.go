package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kasetai/orchestrator/internal/faults"
)

// DefaultBackoffCap is the fixed ceiling on exponential retry delays.
const DefaultBackoffCap = 30 * time.Second

// RecoveryFunc runs between attempts to restore a precondition (for example
// clearing an accelerator cache after a model error). It is best-effort: its
// own failure is logged but never aborts the retry loop.
type RecoveryFunc func(ctx context.Context, err error, info map[string]any) error

// Request describes one retryable downstream operation.
type Request struct {
	// Name identifies the operation in error tracker context.
	Name string

	// MaxRetries bounds the retries after the initial attempt, so the
	// function runs at most MaxRetries+1 times.
	MaxRetries int

	// Recovery, if set, runs before each retry.
	Recovery RecoveryFunc

	// OnRetry, if set, is notified when a retry has been scheduled, before
	// the recovery hook and the backoff wait.
	OnRetry func(ctx context.Context, attempt int, err error)

	// BeforeRetry, if set, runs before each retry after the backoff wait; a
	// non-nil error aborts the loop (the cooperative cancellation checkpoint).
	BeforeRetry func(ctx context.Context) error

	// Fn is the downstream call.
	Fn func(ctx context.Context) (map[string]any, error)
}

// ExhaustedError is returned when all attempts failed. It carries the error
// ID of the last recorded attempt for correlation with the error tracker.
type ExhaustedError struct {
	ErrorID  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %s", e.Attempts, e.Err.Error())
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor retries downstream calls with exponential backoff and records
// every failed attempt in the error tracker. Non-retryable categories and
// open circuits are surfaced immediately.
type Executor struct {
	tracker    *faults.Tracker
	logger     *slog.Logger
	backoffCap time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with the given backoff ceiling.
func NewExecutor(tracker *faults.Tracker, backoffCap time.Duration, logger *slog.Logger) *Executor {
	if backoffCap <= 0 {
		backoffCap = DefaultBackoffCap
	}
	return &Executor{
		tracker:    tracker,
		logger:     logger,
		backoffCap: backoffCap,
		sleep:      sleepContext,
	}
}

// Execute runs req.Fn with bounded retries. On success it returns the result
// and no error tracker entry is produced. Every failed attempt produces
// exactly one tracker entry; after exhaustion the last error is returned
// wrapped in an ExhaustedError.
func (e *Executor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	maxAttempts := req.MaxRetries + 1

	var lastErr error
	var lastErrorID string
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		result, err := req.Fn(ctx)
		if err == nil {
			return result, nil
		}

		// An open circuit is the breaker protecting the system, not this
		// job's own failure: surface it without consuming the retry budget.
		if errors.Is(err, ErrCircuitOpen) {
			e.logger.Warn("Call rejected by open circuit",
				slog.String("operation", req.Name),
				slog.Int("attempt", attempt),
			)
			return nil, err
		}

		category, severity := faults.Classify(err)
		info := map[string]any{
			"operation":    req.Name,
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		}

		lastErr = err
		lastErrorID = e.tracker.Record(err, category, severity, info)

		if !category.Retryable() {
			e.logger.Warn("Error is not retryable",
				slog.String("operation", req.Name),
				slog.String("category", string(category)),
				slog.String("error_id", lastErrorID),
			)
			break
		}

		if attempt >= maxAttempts {
			break
		}

		if req.OnRetry != nil {
			req.OnRetry(ctx, attempt, err)
		}

		if req.Recovery != nil {
			if recErr := req.Recovery(ctx, err, info); recErr != nil {
				e.logger.Warn("Recovery hook failed",
					slog.String("operation", req.Name),
					slog.String("error_id", lastErrorID),
					slog.String("error", recErr.Error()),
				)
			} else {
				e.logger.Info("Recovery hook completed",
					slog.String("operation", req.Name),
					slog.String("error_id", lastErrorID),
				)
			}
		}

		delay := Backoff(attempt, e.backoffCap)
		e.logger.Info("Retrying after backoff",
			slog.String("operation", req.Name),
			slog.Duration("delay", delay),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
		)
		if err := e.sleep(ctx, delay); err != nil {
			break
		}

		if req.BeforeRetry != nil {
			if err := req.BeforeRetry(ctx); err != nil {
				e.logger.Info("Retry loop aborted",
					slog.String("operation", req.Name),
					slog.String("reason", err.Error()),
				)
				return nil, err
			}
		}
	}

	e.logger.Error("All retry attempts exhausted",
		slog.String("operation", req.Name),
		slog.String("error_id", lastErrorID),
	)
	return nil, &ExhaustedError{ErrorID: lastErrorID, Attempts: attempts, Err: lastErr}
}

// Backoff returns min(2^(attempt-1) seconds, ceiling).
func Backoff(attempt int, ceiling time.Duration) time.Duration {
	delay := time.Second << uint(attempt-1)
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}

// sleepContext waits for d without holding any lock, returning early if the
// context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
