package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/mohans/tallyx/internal/logging"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Channel carries chunk-settled notifications.
	Channel string `yaml:"channel"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite | pgx
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type DispatcherConfig struct {
	Interval               time.Duration `yaml:"interval"`
	QueuedTimeout          time.Duration `yaml:"queued_timeout"`
	ProcessingGrace        time.Duration `yaml:"processing_grace"`
	LockGrace              time.Duration `yaml:"lock_grace"`
	MaxRetries             int           `yaml:"max_retries"`
	MaxInFlightPerInstance int           `yaml:"max_in_flight_per_instance"`
	PublishRate            float64       `yaml:"publish_rate"` // chunks per second, 0 = unlimited
	PublishBurst           int           `yaml:"publish_burst"`
	RetiredCacheSize       int           `yaml:"retired_cache_size"`
	SweepSchedule          string        `yaml:"sweep_schedule"` // robfig/cron expression
}

type WorkerConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	MaxChunksPerProcess int           `yaml:"max_chunks_per_process"`
	CompletedCacheSize  int           `yaml:"completed_cache_size"`

	// MetricsAddress is where the worker serves metrics; metrics.address
	// belongs to the dispatcher so both can run on one host.
	MetricsAddress string `yaml:"metrics_address"`
}

type EngineConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Worker     WorkerConfig     `yaml:"worker"`
	Engine     EngineConfig     `yaml:"engine"`
	API        ServerConfig     `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logging.Config   `yaml:"logging"`
}

// Load reads path on top of the defaults, then applies TALLYX_* environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Redis:    RedisConfig{Addr: "127.0.0.1:6379", Channel: "tallyx:chunk-events"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:tallyx.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", MaxOpenConns: 1},
		Dispatcher: DispatcherConfig{
			Interval:               time.Second,
			QueuedTimeout:          10 * time.Minute,
			ProcessingGrace:        15 * time.Minute,
			LockGrace:              5 * time.Minute,
			MaxRetries:             3,
			MaxInFlightPerInstance: 64,
			PublishRate:            200,
			PublishBurst:           50,
			RetiredCacheSize:       256,
			SweepSchedule:          "@every 1m",
		},
		Worker: WorkerConfig{
			Concurrency:         4,
			OperationTimeout:    10 * time.Minute,
			ShutdownTimeout:     30 * time.Second,
			MaxChunksPerProcess: 500,
			CompletedCacheSize:  4096,
			MetricsAddress:      "0.0.0.0:9091",
		},
		Engine:  EngineConfig{BaseURL: "http://127.0.0.1:5000", Timeout: 10 * time.Minute},
		API:     ServerConfig{Address: "0.0.0.0:8080", GracefulTimeout: 10 * time.Second, MaxBodyBytes: 64 << 20},
		Metrics: MetricsConfig{Enabled: true, Address: "0.0.0.0:9090", Path: "/metrics", Namespace: "tallyx"},
		Logging: logging.Config{Level: "info", Format: "json", Output: "stdout"},
	}
}

type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"TALLYX_REDIS_ADDR", func(c *Config, v string) error { c.Redis.Addr = v; return nil }},
	{"TALLYX_REDIS_PASSWORD", func(c *Config, v string) error { c.Redis.Password = v; return nil }},
	{"TALLYX_REDIS_DB", func(c *Config, v string) (err error) { c.Redis.DB, err = cast.ToIntE(v); return }},
	{"TALLYX_DATABASE_DRIVER", func(c *Config, v string) error { c.Database.Driver = v; return nil }},
	{"TALLYX_DATABASE_DSN", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"TALLYX_DISPATCHER_INTERVAL", func(c *Config, v string) (err error) { c.Dispatcher.Interval, err = cast.ToDurationE(v); return }},
	{"TALLYX_DISPATCHER_MAX_RETRIES", func(c *Config, v string) (err error) { c.Dispatcher.MaxRetries, err = cast.ToIntE(v); return }},
	{"TALLYX_DISPATCHER_PROCESSING_GRACE", func(c *Config, v string) (err error) {
		c.Dispatcher.ProcessingGrace, err = cast.ToDurationE(v)
		return
	}},
	{"TALLYX_DISPATCHER_PUBLISH_RATE", func(c *Config, v string) (err error) { c.Dispatcher.PublishRate, err = cast.ToFloat64E(v); return }},
	{"TALLYX_WORKER_CONCURRENCY", func(c *Config, v string) (err error) { c.Worker.Concurrency, err = cast.ToIntE(v); return }},
	{"TALLYX_WORKER_OPERATION_TIMEOUT", func(c *Config, v string) (err error) {
		c.Worker.OperationTimeout, err = cast.ToDurationE(v)
		return
	}},
	{"TALLYX_WORKER_MAX_CHUNKS_PER_PROCESS", func(c *Config, v string) (err error) {
		c.Worker.MaxChunksPerProcess, err = cast.ToIntE(v)
		return
	}},
	{"TALLYX_ENGINE_BASE_URL", func(c *Config, v string) error { c.Engine.BaseURL = v; return nil }},
	{"TALLYX_API_ADDRESS", func(c *Config, v string) error { c.API.Address = v; return nil }},
	{"TALLYX_API_MAX_BODY_BYTES", func(c *Config, v string) (err error) { c.API.MaxBodyBytes, err = cast.ToInt64E(v); return }},
	{"TALLYX_WORKER_METRICS_ADDRESS", func(c *Config, v string) error { c.Worker.MetricsAddress = v; return nil }},
	{"TALLYX_METRICS_ENABLED", func(c *Config, v string) (err error) { c.Metrics.Enabled, err = cast.ToBoolE(v); return }},
	{"TALLYX_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("env %s: %w", o.name, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	d := c.Dispatcher
	switch {
	case d.Interval <= 0:
		return errors.New("dispatcher.interval must be positive")
	case d.QueuedTimeout <= 0:
		return errors.New("dispatcher.queued_timeout must be positive")
	case d.MaxRetries < 0:
		return errors.New("dispatcher.max_retries must not be negative")
	case d.PublishRate < 0:
		return errors.New("dispatcher.publish_rate must not be negative")
	case c.Worker.OperationTimeout <= 0:
		return errors.New("worker.operation_timeout must be positive")
	case d.ProcessingGrace <= c.Worker.OperationTimeout:
		// a live worker must settle its row before the sweep may fail it
		return fmt.Errorf("dispatcher.processing_grace (%s) must exceed worker.operation_timeout (%s)",
			d.ProcessingGrace, c.Worker.OperationTimeout)
	case c.API.MaxBodyBytes <= 0:
		return errors.New("api.max_body_bytes must be positive")
	case c.Database.Driver != "sqlite" && c.Database.Driver != "pgx":
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if _, err := cron.ParseStandard(d.SweepSchedule); err != nil {
		return fmt.Errorf("dispatcher.sweep_schedule: %w", err)
	}
	return nil
}
