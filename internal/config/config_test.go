package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Redis.Host)
				assert.Equal(t, 6379, cfg.Redis.Port)
				assert.Equal(t, "inference_exchange", cfg.RabbitMQ.Exchange.Name)
				require.Len(t, cfg.RabbitMQ.Queues, 2)
				assert.Equal(t, "inference_jobs", cfg.RabbitMQ.Queues[0].Name)
				assert.True(t, cfg.RabbitMQ.Queues[1].Priority)
				assert.Equal(t, "inference-orchestrator", cfg.App.Name)
				assert.Equal(t, time.Hour, cfg.Jobs.Retention)
				assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
				require.Len(t, cfg.Inference, 2)
				assert.Equal(t, "vision", cfg.Inference[0].JobType)
				require.NotNil(t, cfg.Inference[0].Batch)
				assert.Equal(t, 4, cfg.Inference[0].Batch.MaxSize)
				assert.Nil(t, cfg.Inference[1].Batch)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "inference_exchange",
			},
			Queues: []QueueConfig{
				{Name: "inference_jobs", RoutingKey: "inference.default"},
				{Name: "inference_jobs_priority", RoutingKey: "inference.priority", Priority: true},
			},
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			MonitoringPort:  8081,
			ShutdownTimeout: 30 * time.Second,
		},
		Inference: []InferenceTarget{
			{JobType: "vision", URL: "http://localhost:9001/infer", Timeout: 2 * time.Minute},
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "no inference targets",
			mutate:    func(c *Config) { c.Inference = nil },
			wantErr:   true,
			errString: "at least one inference target is required",
		},
		{
			name:      "empty redis host",
			mutate:    func(c *Config) { c.Redis.Host = "" },
			wantErr:   true,
			errString: "redis host is required",
		},
		{
			name:      "invalid redis port",
			mutate:    func(c *Config) { c.Redis.Port = -1 },
			wantErr:   true,
			errString: "invalid redis port",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "no queues",
			mutate:    func(c *Config) { c.RabbitMQ.Queues = nil },
			wantErr:   true,
			errString: "at least one rabbitmq queue is required",
		},
		{
			name:      "queue without routing key",
			mutate:    func(c *Config) { c.RabbitMQ.Queues[0].RoutingKey = "" },
			wantErr:   true,
			errString: "routing_key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "invalid monitoring port",
			mutate:    func(c *Config) { c.Worker.MonitoringPort = 0 },
			wantErr:   true,
			errString: "invalid worker monitoring port",
		},
		{
			name:      "zero shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			wantErr:   true,
			errString: "worker shutdown_timeout must be greater than 0",
		},
		{
			name:      "no inference targets",
			mutate:    func(c *Config) { c.Inference = nil },
			wantErr:   true,
			errString: "at least one inference target is required",
		},
		{
			name:      "target without url",
			mutate:    func(c *Config) { c.Inference[0].URL = "" },
			wantErr:   true,
			errString: "url is required",
		},
		{
			name:      "target without timeout",
			mutate:    func(c *Config) { c.Inference[0].Timeout = 0 },
			wantErr:   true,
			errString: "timeout must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_QueueSelection(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, "inference_jobs", cfg.DefaultQueue().Name)
	assert.Equal(t, "inference_jobs_priority", cfg.PriorityQueue().Name)

	t.Run("single queue serves both routes", func(t *testing.T) {
		cfg := validConfig()
		cfg.RabbitMQ.Queues = cfg.RabbitMQ.Queues[:1]

		assert.Equal(t, "inference_jobs", cfg.DefaultQueue().Name)
		assert.Equal(t, "inference_jobs", cfg.PriorityQueue().Name)
	})
}

func TestConfig_JobTypes(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, []string{"vision"}, cfg.JobTypes())
}
