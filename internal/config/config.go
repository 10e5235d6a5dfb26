package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Errors      ErrorsConfig      `yaml:"errors"`
	Performance PerformanceConfig `yaml:"performance"`
	Inference   []InferenceTarget `yaml:"inference"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queues     []QueueConfig    `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds configuration for one RabbitMQ queue binding
type QueueConfig struct {
	Name       string `yaml:"name"`
	RoutingKey string `yaml:"routing_key"`
	Priority   bool   `yaml:"priority"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MonitoringPort  int           `yaml:"monitoring_port"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JobsConfig holds job lifecycle settings
type JobsConfig struct {
	Retention         time.Duration `yaml:"retention"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	PriorityThreshold int           `yaml:"priority_threshold"`
}

// ResilienceConfig holds circuit breaker and retry settings
type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
}

// ErrorsConfig holds error tracker settings
type ErrorsConfig struct {
	MaxRecords    int `yaml:"max_records"`
	DegradedTotal int `yaml:"degraded_total"`
}

// PerformanceConfig holds performance monitor settings
type PerformanceConfig struct {
	MaxSamples        int     `yaml:"max_samples"`
	CPUHighPercent    float64 `yaml:"cpu_high_percent"`
	MemoryHighPercent float64 `yaml:"memory_high_percent"`
	SlowInferenceMs   float64 `yaml:"slow_inference_ms"`
}

// InferenceTarget holds the downstream endpoint for one job type
type InferenceTarget struct {
	JobType       string             `yaml:"job_type"`
	URL           string             `yaml:"url"`
	Timeout       time.Duration      `yaml:"timeout"`
	RatePerSecond float64            `yaml:"rate_per_second"`
	Burst         int                `yaml:"burst"`
	CacheClearURL string             `yaml:"cache_clear_url"`
	Batch         *BatchTargetConfig `yaml:"batch"`
}

// BatchTargetConfig holds batching settings for one target
type BatchTargetConfig struct {
	MaxSize int           `yaml:"max_size"`
	MaxWait time.Duration `yaml:"max_wait"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// validateShared checks settings both services depend on
func (c *Config) validateShared() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if len(c.RabbitMQ.Queues) == 0 {
		return fmt.Errorf("at least one rabbitmq queue is required")
	}

	for i, q := range c.RabbitMQ.Queues {
		if q.Name == "" {
			return fmt.Errorf("rabbitmq queue %d: name is required", i)
		}
		if q.RoutingKey == "" {
			return fmt.Errorf("rabbitmq queue %s: routing_key is required", q.Name)
		}
	}

	return nil
}

// ValidateAPIConfig checks the configuration for the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	// The submission allowlist comes from the inference targets.
	if len(c.Inference) == 0 {
		return fmt.Errorf("at least one inference target is required")
	}

	return c.validateShared()
}

// ValidateWorkerConfig checks the configuration for the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MonitoringPort < MinPort || c.Worker.MonitoringPort > MaxPort {
		return fmt.Errorf("invalid worker monitoring port: %d (must be between %d and %d)", c.Worker.MonitoringPort, MinPort, MaxPort)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if len(c.Inference) == 0 {
		return fmt.Errorf("at least one inference target is required")
	}

	for i, target := range c.Inference {
		if target.JobType == "" {
			return fmt.Errorf("inference target %d: job_type is required", i)
		}
		if target.URL == "" {
			return fmt.Errorf("inference target %s: url is required", target.JobType)
		}
		if target.Timeout <= 0 {
			return fmt.Errorf("inference target %s: timeout must be greater than 0", target.JobType)
		}
	}

	return nil
}

// JobTypes returns the job types with a configured inference target
func (c *Config) JobTypes() []string {
	types := make([]string, 0, len(c.Inference))
	for _, target := range c.Inference {
		types = append(types, target.JobType)
	}
	return types
}

// DefaultQueue returns the non-priority queue, or the first queue when none is
// marked
func (c *Config) DefaultQueue() QueueConfig {
	for _, q := range c.RabbitMQ.Queues {
		if !q.Priority {
			return q
		}
	}
	return c.RabbitMQ.Queues[0]
}

// PriorityQueue returns the queue marked as the priority route, falling back
// to the default queue when none is
func (c *Config) PriorityQueue() QueueConfig {
	for _, q := range c.RabbitMQ.Queues {
		if q.Priority {
			return q
		}
	}
	return c.DefaultQueue()
}
