package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/kasetai/orchestrator/internal/api/handler"
	"github.com/kasetai/orchestrator/internal/api/router"
	"github.com/kasetai/orchestrator/internal/config"
	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/inference"
	"github.com/kasetai/orchestrator/internal/jobs"
	"github.com/kasetai/orchestrator/internal/kv"
	"github.com/kasetai/orchestrator/internal/perf"
	"github.com/kasetai/orchestrator/internal/resilience"
	"github.com/kasetai/orchestrator/internal/worker"
	"github.com/kasetai/orchestrator/shared/logger"
	"github.com/kasetai/orchestrator/shared/rabbitmq"
	"github.com/kasetai/orchestrator/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	appLogger.Info("Redis connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Wire the execution stack
	store := jobs.NewStore(kv.NewRedis(redisClient.DB()), cfg.Jobs.Retention, appLogger.Logger)
	tracker := faults.NewTracker(cfg.Errors.MaxRecords, appLogger.Logger)
	monitor := perf.NewMonitor(cfg.Performance.MaxSamples, perf.Thresholds{
		CPUHighPercent:    cfg.Performance.CPUHighPercent,
		MemoryHighPercent: cfg.Performance.MemoryHighPercent,
		InferenceSlowMS:   cfg.Performance.SlowInferenceMs,
	}, nil, appLogger.Logger)
	executor := resilience.NewExecutor(tracker, cfg.Resilience.BackoffCap, appLogger.Logger)
	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Timeout:          cfg.Resilience.BreakerTimeout,
	}, appLogger.Logger)
	inferenceClient := inference.NewClient(inferenceTargets(cfg.Inference), appLogger.Logger)

	queues := make([]string, 0, len(cfg.RabbitMQ.Queues))
	for _, q := range cfg.RabbitMQ.Queues {
		queues = append(queues, q.Name)
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:         appLogger.Logger,
		Concurrency:    cfg.Worker.Concurrency,
		PrefetchCount:  cfg.RabbitMQ.Consumer.PrefetchCount,
		Queues:         queues,
		SampleInterval: cfg.Worker.SampleInterval,
		RabbitClient:   rabbitClient,
		Store:          store,
		Tracker:        tracker,
		Monitor:        monitor,
		Executor:       executor,
		Breakers:       breakers,
		Inference:      inferenceClient,
		Hooks:          worker.NewLifecycleHooks(store, appLogger.Logger),
	})

	// Create monitoring HTTP server
	monitoringSrv := initMonitoringServer(cfg, appLogger.Logger, tracker, monitor, workerInstance)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Start monitoring server in a goroutine
	go func() {
		appLogger.Info("Starting monitoring server",
			slog.String("address", monitoringSrv.Addr),
		)
		if err := monitoringSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("monitoring server failed: %w", err)
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := monitoringSrv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Monitoring server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if redisClient != nil {
			redisClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRedis initializes the Redis client backing the job status store
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	queues := make([]rabbitmq.QueueSpec, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, rabbitmq.QueueSpec{
			Name:       q.Name,
			RoutingKey: q.RoutingKey,
		})
	}

	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues:             queues,
		QueueDurable:       true,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// inferenceTargets maps configured targets to inference client configuration
func inferenceTargets(targets []config.InferenceTarget) []inference.TargetConfig {
	configs := make([]inference.TargetConfig, 0, len(targets))
	for _, t := range targets {
		tc := inference.TargetConfig{
			JobType:       t.JobType,
			URL:           t.URL,
			Timeout:       t.Timeout,
			RatePerSecond: t.RatePerSecond,
			Burst:         t.Burst,
			CacheClearURL: t.CacheClearURL,
		}
		if t.Batch != nil {
			tc.Batch = &inference.BatchSettings{
				MaxSize: t.Batch.MaxSize,
				MaxWait: t.Batch.MaxWait,
			}
		}
		configs = append(configs, tc)
	}
	return configs
}

// initMonitoringServer builds the HTTP server exposing worker telemetry
func initMonitoringServer(cfg *config.Config, logger *slog.Logger, tracker *faults.Tracker, monitor *perf.Monitor, w *worker.Worker) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	mh := handler.NewMonitoringHandler(logger, tracker, monitor, w, faults.HealthThresholds{
		DegradedTotal: cfg.Errors.DegradedTotal,
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Worker.MonitoringPort),
		Handler: router.SetupMonitoringRouter(logger, mh),
	}
}
