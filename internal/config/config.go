// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Handlers      HandlersConfig      `yaml:"handlers"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Events        EventsConfig        `yaml:"events"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Engine        EngineConfig        `yaml:"engine"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operational HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find workflow definition files.
type DefinitionsConfig struct {
	Directories    []string      `yaml:"directories"`
	HotReload      bool          `yaml:"hot_reload"`
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// StoreConfig describes instance persistence.
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSNEnv       string `yaml:"dsn_env"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

// LockConfig describes per-instance locking.
type LockConfig struct {
	Driver        string        `yaml:"driver"`
	AddrEnv       string        `yaml:"addr_env"`
	DB            int           `yaml:"db"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
}

// HandlersConfig describes task handler execution.
type HandlersConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes the per-handler circuit breaker.
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

// DirectoryConfig describes the user directory.
type DirectoryConfig struct {
	UsersFile string `yaml:"users_file"`
}

// EventsConfig describes domain event delivery.
type EventsConfig struct {
	Publisher     string        `yaml:"publisher"`
	NATSURLEnv    string        `yaml:"nats_url_env"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	RelayInterval time.Duration `yaml:"relay_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// SchedulerConfig describes periodic background work.
type SchedulerConfig struct {
	OverdueCheckInterval time.Duration `yaml:"overdue_check_interval"`
	OverdueBatchSize     int           `yaml:"overdue_batch_size"`
}

// EngineConfig describes use-case execution limits.
type EngineConfig struct {
	DrainLimit int `yaml:"drain_limit"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories:    []string{"/definitions"},
			ReloadDebounce: 500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:       "memory",
			DSNEnv:       "FLOWENGINE_DATABASE_URL",
			MaxOpenConns: 25,
		},
		Lock: LockConfig{
			Driver:        "memory",
			AddrEnv:       "FLOWENGINE_REDIS_ADDR",
			TTL:           30 * time.Second,
			RetryInterval: 50 * time.Millisecond,
			WaitTimeout:   10 * time.Second,
		},
		Handlers: HandlersConfig{
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
		},
		Events: EventsConfig{
			Publisher:     "log",
			NATSURLEnv:    "FLOWENGINE_NATS_URL",
			SubjectPrefix: "flowengine",
			RelayInterval: time.Second,
			BatchSize:     100,
		},
		Scheduler: SchedulerConfig{
			OverdueCheckInterval: 15 * time.Minute,
			OverdueBatchSize:     500,
		},
		Engine: EngineConfig{
			DrainLimit: 100,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path uses the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q is not one of memory, redis", c.Lock.Driver))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}
	switch c.Events.Publisher {
	case "log":
	case "nats":
		if c.Events.NATSURLEnv == "" {
			errs = append(errs, "events.nats_url_env is required for the nats publisher")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.publisher %q is not one of log, nats", c.Events.Publisher))
	}
	if c.Events.BatchSize < 1 {
		errs = append(errs, "events.batch_size must be at least 1")
	}
	if c.Handlers.CircuitBreaker.FailureThreshold < 1 {
		errs = append(errs, "handlers.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Engine.DrainLimit < 1 {
		errs = append(errs, "engine.drain_limit must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads FLOWENGINE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWENGINE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWENGINE_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("FLOWENGINE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("FLOWENGINE_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("FLOWENGINE_EVENTS_PUBLISHER"); v != "" {
		cfg.Events.Publisher = v
	}
	if v := os.Getenv("FLOWENGINE_DIRECTORY_USERS_FILE"); v != "" {
		cfg.Directory.UsersFile = v
	}
	if v := os.Getenv("FLOWENGINE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

// Env returns the value of the environment variable named by key, or an
// error when it is unset.
func Env(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", key)
	}
	return v, nil
}
