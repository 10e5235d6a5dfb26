// Package batch coalesces concurrent single-item requests into bounded
// batches for throughput-sensitive downstream calls.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config bounds a batch window.
type Config struct {
	// MaxSize flushes the window as soon as this many items are pending.
	MaxSize int

	// MaxWait flushes the window once the oldest pending item has waited
	// this long, so a partially filled batch is never stuck.
	MaxWait time.Duration
}

// ProcessFunc submits one accumulated batch downstream. It must return one
// result per item, in item order.
type ProcessFunc[T, R any] func(ctx context.Context, items []T) ([]R, error)

type outcome[R any] struct {
	value R
	err   error
}

type pendingItem[T, R any] struct {
	item       T
	enqueuedAt time.Time
	resultCh   chan outcome[R]
}

// Accumulator groups individual submissions into batches. A batch flushes
// when it reaches MaxSize or when its oldest item reaches MaxWait, whichever
// comes first; the flush atomically swaps the pending list so no item is
// double-processed or lost. A failed downstream call propagates to every
// caller in that batch.
type Accumulator[T, R any] struct {
	config  Config
	process ProcessFunc[T, R]
	logger  *slog.Logger

	mu      sync.Mutex
	pending []pendingItem[T, R]
	timer   *time.Timer
}

// NewAccumulator creates an accumulator that flushes through process.
func NewAccumulator[T, R any](config Config, process ProcessFunc[T, R], logger *slog.Logger) *Accumulator[T, R] {
	if config.MaxSize <= 0 {
		config.MaxSize = 4
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 2 * time.Second
	}
	return &Accumulator[T, R]{
		config:  config,
		process: process,
		logger:  logger,
	}
}

// Submit enqueues item and blocks until its batch has been processed,
// returning the result correlated back to this caller.
func (a *Accumulator[T, R]) Submit(ctx context.Context, item T) (R, error) {
	entry := pendingItem[T, R]{
		item:       item,
		enqueuedAt: time.Now(),
		resultCh:   make(chan outcome[R], 1),
	}

	a.mu.Lock()
	a.pending = append(a.pending, entry)
	if len(a.pending) >= a.config.MaxSize {
		batch := a.swapLocked()
		a.mu.Unlock()
		a.flush(batch)
	} else {
		if len(a.pending) == 1 {
			a.timer = time.AfterFunc(a.config.MaxWait, a.flushOnTimeout)
		}
		a.mu.Unlock()
	}

	select {
	case out := <-entry.resultCh:
		return out.value, out.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Pending returns the number of items currently accumulating.
func (a *Accumulator[T, R]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// flushOnTimeout flushes whatever accumulated once the oldest item's true
// enqueue timestamp is MaxWait old. The timer is armed when the first item
// arrives, so the age check holds by construction.
func (a *Accumulator[T, R]) flushOnTimeout() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.swapLocked()
	a.mu.Unlock()

	a.logger.Debug("Flushing batch on timeout",
		slog.Int("size", len(batch)),
		slog.Duration("oldest_age", time.Since(batch[0].enqueuedAt)),
	)
	a.flush(batch)
}

// swapLocked takes the pending list, leaving an empty window. Caller must
// hold a.mu.
func (a *Accumulator[T, R]) swapLocked() []pendingItem[T, R] {
	batch := a.pending
	a.pending = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return batch
}

// flush submits the batch as one downstream call and demultiplexes results
// back to each caller by index.
func (a *Accumulator[T, R]) flush(batch []pendingItem[T, R]) {
	items := make([]T, len(batch))
	for i, entry := range batch {
		items[i] = entry.item
	}

	results, err := a.process(context.Background(), items)
	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("batch result count mismatch: %d results for %d items", len(results), len(items))
	}

	if err != nil {
		a.logger.Error("Batch processing failed",
			slog.Int("size", len(batch)),
			slog.String("error", err.Error()),
		)
		for _, entry := range batch {
			entry.resultCh <- outcome[R]{err: err}
		}
		return
	}

	for i, entry := range batch {
		entry.resultCh <- outcome[R]{value: results[i]}
	}
}
