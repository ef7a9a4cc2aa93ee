package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := DefaultConfig()
	if cfg.Database.Driver != def.Database.Driver {
		t.Errorf("Driver = %q, expected %q", cfg.Database.Driver, def.Database.Driver)
	}
	if cfg.Storage.InvisibilityTimeout != 15*time.Minute {
		t.Errorf("InvisibilityTimeout = %s, expected 15m", cfg.Storage.InvisibilityTimeout)
	}
	if cfg.Storage.QueuePollInterval != 15*time.Second {
		t.Errorf("QueuePollInterval = %s, expected 15s", cfg.Storage.QueuePollInterval)
	}
	if cfg.Storage.CountersAggregateInterval != 5*time.Minute {
		t.Errorf("CountersAggregateInterval = %s, expected 5m", cfg.Storage.CountersAggregateInterval)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://jobstore@localhost/jobstore
storage:
  invisibility_timeout: 30m
  queue_poll_interval: 1s
worker:
  enabled: true
  concurrency: 8
  queues: [critical, default]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %q, expected postgres", cfg.Database.Driver)
	}
	if cfg.Storage.InvisibilityTimeout != 30*time.Minute {
		t.Errorf("InvisibilityTimeout = %s, expected 30m", cfg.Storage.InvisibilityTimeout)
	}
	if cfg.Storage.QueuePollInterval != time.Second {
		t.Errorf("QueuePollInterval = %s, expected 1s", cfg.Storage.QueuePollInterval)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Storage.JobQueueLockTimeout != time.Minute {
		t.Errorf("JobQueueLockTimeout = %s, expected 1m", cfg.Storage.JobQueueLockTimeout)
	}
	if got := strings.Join(cfg.Worker.Queues, ","); got != "critical,default" {
		t.Errorf("Queues = %q, expected critical,default", got)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: file.db
log:
  level: info
`)
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_DSN", "user:pass@tcp(localhost:3306)/jobstore?parseTime=true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STORAGE_INVISIBILITY_TIMEOUT", "45s")
	t.Setenv("WORKER_QUEUES", "a,b,c")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Driver = %q, expected mysql", cfg.Database.Driver)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, expected debug", cfg.Log.Level)
	}
	if cfg.Storage.InvisibilityTimeout != 45*time.Second {
		t.Errorf("InvisibilityTimeout = %s, expected 45s", cfg.Storage.InvisibilityTimeout)
	}
	if got := strings.Join(cfg.Worker.Queues, ","); got != "a,b,c" {
		t.Errorf("Queues = %q, expected a,b,c", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "database: [not, a, map")
	if _, err := Load(path); err == nil {
		t.Error("expected an error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "unsupported database driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "dsn is required"},
		{"zero poll interval", func(c *Config) { c.Storage.QueuePollInterval = 0 }, "queue_poll_interval"},
		{"negative invisibility", func(c *Config) { c.Storage.InvisibilityTimeout = -time.Second }, "invisibility_timeout"},
		{"bad isolation", func(c *Config) { c.Storage.IsolationLevel = "chaos" }, "isolation level"},
		{"rate limit without burst", func(c *Config) { c.Server.RateBurst = 0 }, "rate_burst"},
		{"rate limit disabled", func(c *Config) { c.Server.RateLimit, c.Server.RateBurst = 0, 0 }, ""},
		{"worker without queues", func(c *Config) {
			c.Worker.Enabled = true
			c.Worker.Queues = nil
		}, "worker.queues"},
		{"worker without concurrency", func(c *Config) {
			c.Worker.Enabled = true
			c.Worker.Concurrency = 0
		}, "worker.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, expected nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, expected it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = "9090"
	cfg.Storage.QueuePollInterval = 3 * time.Second
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.Port != "9090" {
		t.Errorf("Port = %q, expected 9090", loaded.Server.Port)
	}
	if loaded.Storage.QueuePollInterval != 3*time.Second {
		t.Errorf("QueuePollInterval = %s, expected 3s", loaded.Storage.QueuePollInterval)
	}
	if loaded.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q, expected 0.0.0.0:9090", loaded.Addr())
	}
}
