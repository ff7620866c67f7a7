package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage backends for run records
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageBadger = "badger"
)

// Config holds all configuration for the dagflow server
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGFLOW_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAGFLOW_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Workflow and tool definitions
	WorkflowDir string `env:"WORKFLOW_DIR" envDefault:"./workflows"`
	ToolsConfig string `env:"TOOLS_CONFIG" envDefault:"tools.yaml"`

	Storage StorageConfig

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// StorageConfig selects where run records and events are kept
type StorageConfig struct {
	Backend    string        `env:"STORAGE_BACKEND" envDefault:"memory"`
	BadgerDir  string        `env:"BADGER_DIR" envDefault:"./data/runs"`
	HistoryTTL time.Duration `env:"RUN_HISTORY_TTL" envDefault:"24h"`
	// EventMirror copies run events to Redis Streams for replay
	EventMirror bool `env:"EVENT_MIRROR" envDefault:"false"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// LLMConfig holds LLM provider configuration. APIKey is optional.
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`

	// Default model settings
	DefaultModel       string  `env:"LLM_DEFAULT_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	DefaultTemperature float64 `env:"LLM_DEFAULT_TEMPERATURE" envDefault:"0.7"`
	DefaultMaxTokens   int     `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}

// WorkerConfig holds node-task pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"16"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	Run      time.Duration `env:"TIMEOUT_RUN" envDefault:"5m"`
	Node     time.Duration `env:"TIMEOUT_NODE" envDefault:"2m"`
	Settle   time.Duration `env:"TIMEOUT_SETTLE" envDefault:"5s"`
	Shutdown time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	case StorageBadger:
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("badger directory is required for the badger backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory, redis or badger)", c.Storage.Backend)
	}
	if c.Storage.EventMirror && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for the event mirror")
	}

	if c.WorkflowDir == "" {
		return fmt.Errorf("workflow directory is required")
	}

	if c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s (only 'anthropic' is supported)", c.LLM.Provider)
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	if c.Timeouts.Run < 0 || c.Timeouts.Node < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Timeouts.Settle <= 0 {
		return fmt.Errorf("settle timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Storage.Backend == StorageRedis || c.Storage.EventMirror
}
