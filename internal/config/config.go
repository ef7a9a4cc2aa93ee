package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled" env:"SERVER_ENABLED"`
	Host    string `yaml:"host" env:"SERVER_HOST"`
	Port    string `yaml:"port" env:"SERVER_PORT"`
	Mode    string `yaml:"mode" env:"SERVER_MODE"` // debug, release, test

	AllowOrigins []string `yaml:"allow_origins" env:"SERVER_ALLOW_ORIGINS" envSeparator:","`
	RateLimit    float64  `yaml:"rate_limit" env:"SERVER_RATE_LIMIT"` // requests per second per client, 0 disables
	RateBurst    int      `yaml:"rate_burst" env:"SERVER_RATE_BURST"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DB_DRIVER"` // sqlite, mysql, postgres
	DSN             string        `yaml:"dsn" env:"DB_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
	LogLevel        string        `yaml:"log_level" env:"DB_LOG_LEVEL"` // silent, error, warn, info
	SlowThreshold   time.Duration `yaml:"slow_threshold" env:"DB_SLOW_THRESHOLD"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// StorageConfig holds the timing knobs of the queue, the lock manager and
// the background processes.
type StorageConfig struct {
	InvisibilityTimeout        time.Duration `yaml:"invisibility_timeout" env:"STORAGE_INVISIBILITY_TIMEOUT"`
	QueuePollInterval          time.Duration `yaml:"queue_poll_interval" env:"STORAGE_QUEUE_POLL_INTERVAL"`
	JobQueueLockTimeout        time.Duration `yaml:"job_queue_lock_timeout" env:"STORAGE_JOB_QUEUE_LOCK_TIMEOUT"`
	CountersAggregateInterval  time.Duration `yaml:"counters_aggregate_interval" env:"STORAGE_COUNTERS_AGGREGATE_INTERVAL"`
	JobExpirationCheckInterval time.Duration `yaml:"job_expiration_check_interval" env:"STORAGE_JOB_EXPIRATION_CHECK_INTERVAL"`
	TransactionTimeout         time.Duration `yaml:"transaction_timeout" env:"STORAGE_TRANSACTION_TIMEOUT"`
	IsolationLevel             string        `yaml:"isolation_level" env:"STORAGE_ISOLATION_LEVEL"` // serializable, repeatable_read, read_committed
	PrepareSchema              bool          `yaml:"prepare_schema" env:"STORAGE_PREPARE_SCHEMA"`
}

type WorkerConfig struct {
	Enabled     bool     `yaml:"enabled" env:"WORKER_ENABLED"`
	Concurrency int      `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	Queues      []string `yaml:"queues" env:"WORKER_QUEUES" envSeparator:","`
}

type SchedulerConfig struct {
	AggregatorEnabled bool `yaml:"aggregator_enabled" env:"SCHEDULER_AGGREGATOR_ENABLED"`
	ExpirationEnabled bool `yaml:"expiration_enabled" env:"SCHEDULER_EXPIRATION_ENABLED"`
}

// Load reads configPath (default config.yaml) on top of the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    "8080",
			Mode:    "release",

			AllowOrigins: []string{"*"},
			RateLimit:    20,
			RateBurst:    40,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "jobstore.db?_busy_timeout=5000",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
			LogLevel:        "warn",
			SlowThreshold:   200 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			InvisibilityTimeout:        15 * time.Minute,
			QueuePollInterval:          15 * time.Second,
			JobQueueLockTimeout:        time.Minute,
			CountersAggregateInterval:  5 * time.Minute,
			JobExpirationCheckInterval: time.Hour,
			TransactionTimeout:         time.Minute,
			IsolationLevel:             "serializable",
			PrepareSchema:              true,
		},
		Worker: WorkerConfig{
			Enabled:     false,
			Concurrency: 4,
			Queues:      []string{"default"},
		},
		Scheduler: SchedulerConfig{
			AggregatorEnabled: true,
			ExpirationEnabled: true,
		},
	}
}

// Validate rejects configurations the storage cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	durations := map[string]time.Duration{
		"invisibility_timeout":          c.Storage.InvisibilityTimeout,
		"queue_poll_interval":           c.Storage.QueuePollInterval,
		"job_queue_lock_timeout":        c.Storage.JobQueueLockTimeout,
		"counters_aggregate_interval":   c.Storage.CountersAggregateInterval,
		"job_expiration_check_interval": c.Storage.JobExpirationCheckInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("storage.%s must be positive, got %s", name, d)
		}
	}

	switch c.Storage.IsolationLevel {
	case "", "serializable", "repeatable_read", "read_committed":
	default:
		return fmt.Errorf("unsupported isolation level: %s", c.Storage.IsolationLevel)
	}

	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst <= 0) {
		return fmt.Errorf("server.rate_burst must be positive when rate limiting is enabled")
	}

	if c.Worker.Enabled {
		if c.Worker.Concurrency <= 0 {
			return fmt.Errorf("worker.concurrency must be positive")
		}
		if len(c.Worker.Queues) == 0 {
			return fmt.Errorf("worker.queues must not be empty")
		}
	}
	return nil
}

// Addr returns the monitoring server listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
