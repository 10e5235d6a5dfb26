// Package worker consumes job messages, executes them against downstream
// inference targets through the retry executor and circuit breakers, and
// drives the job lifecycle through its hooks.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/inference"
	"github.com/kasetai/orchestrator/internal/jobs"
	"github.com/kasetai/orchestrator/internal/perf"
	"github.com/kasetai/orchestrator/internal/resilience"
	"github.com/kasetai/orchestrator/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger         *slog.Logger
	WorkerID       string
	Concurrency    int
	PrefetchCount  int
	Queues         []string
	SampleInterval time.Duration

	RabbitClient *rabbitmq.Client
	Store        *jobs.Store
	Tracker      *faults.Tracker
	Monitor      *perf.Monitor
	Executor     *resilience.Executor
	Breakers     *resilience.BreakerGroup
	Inference    *inference.Client
	Hooks        Hooks
}

// Worker represents the background job worker
type Worker struct {
	logger         *slog.Logger
	workerID       string
	concurrency    int
	prefetchCount  int
	queues         []string
	sampleInterval time.Duration

	rabbitClient *rabbitmq.Client
	store        *jobs.Store
	tracker      *faults.Tracker
	monitor      *perf.Monitor
	executor     *resilience.Executor
	breakers     *resilience.BreakerGroup
	inference    *inference.Client
	hooks        Hooks

	jobsChan   chan *jobs.Message
	activeJobs atomic.Int64
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	sampleInterval := cfg.SampleInterval
	if sampleInterval <= 0 {
		sampleInterval = 15 * time.Second
	}

	return &Worker{
		logger:         cfg.Logger,
		workerID:       workerID,
		concurrency:    cfg.Concurrency,
		prefetchCount:  cfg.PrefetchCount,
		queues:         cfg.Queues,
		sampleInterval: sampleInterval,
		rabbitClient:   cfg.RabbitClient,
		store:          cfg.Store,
		tracker:        cfg.Tracker,
		monitor:        cfg.Monitor,
		executor:       cfg.Executor,
		breakers:       cfg.Breakers,
		inference:      cfg.Inference,
		hooks:          cfg.Hooks,
		jobsChan:       make(chan *jobs.Message, cfg.Concurrency),
		stopChan:       make(chan struct{}),
	}
}

// Start begins consuming and processing jobs until the context is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Any("queues", w.queues),
	)

	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	for _, queue := range w.queues {
		deliveries, err := w.rabbitClient.Consume(queue, fmt.Sprintf("%s-%s", w.workerID, queue))
		if err != nil {
			return fmt.Errorf("failed to start consumer for %s: %w", queue, err)
		}
		go w.dispatchDeliveries(ctx, queue, deliveries)
	}

	w.spawnWorkerPool(ctx)
	go w.sampleLoop(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker, letting in-flight jobs finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// ActiveJobs returns the number of jobs currently executing in this process
func (w *Worker) ActiveJobs() int {
	return int(w.activeJobs.Load())
}

// sampleLoop periodically captures a performance sample with the current
// queue depth and active job count
func (w *Worker) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.monitor.Sample(len(w.jobsChan), w.ActiveJobs())
		}
	}
}
