// Package config provides configuration loading for batchd.
//
// Configuration is assembled from defaults, an optional YAML file and
// BATCHD_* environment variables. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config holds the complete batchd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Credentials   CredentialsConfig   `koanf:"credentials"`
	Quarantine    QuarantineConfig    `koanf:"quarantine"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Batch         BatchConfig         `koanf:"batch"`
	Checkpoint    CheckpointConfig    `koanf:"checkpoint"`
	LLM           LLMConfig           `koanf:"llm"`
	Events        EventsConfig        `koanf:"events"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds the status HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// CredentialsConfig lists the API credentials shared by every worker.
//
// Keys holds raw secret values; Env holds names of environment variables
// that contain them. Order is preserved: keys first, then env entries.
type CredentialsConfig struct {
	Keys []Secret `koanf:"keys"`
	Env  []string `koanf:"env"`
}

// QuarantineConfig controls credential backoff after rate-limit signals.
type QuarantineConfig struct {
	RateLimitBase time.Duration `koanf:"rate_limit_base"`
	TransientBase time.Duration `koanf:"transient_base"`
	MaxBackoff    time.Duration `koanf:"max_backoff"`
	Window        time.Duration `koanf:"window"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// SchedulerConfig bounds local execution concurrency.
type SchedulerConfig struct {
	// Slots is the number of concurrently running tasks. Zero derives it
	// from GOMAXPROCS; values above the hard cap are clamped.
	Slots int `koanf:"slots"`
}

// BatchConfig holds per-task retry policy.
type BatchConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend    string        `koanf:"backend"` // file, nats or memory
	Dir        string        `koanf:"dir"`
	StaleAfter time.Duration `koanf:"stale_after"`
	NATSURL    string        `koanf:"nats_url"`
	Bucket     string        `koanf:"bucket"`
}

// LLMConfig configures the language-model task unit.
type LLMConfig struct {
	Model             string  `koanf:"model"`
	MaxTokens         int64   `koanf:"max_tokens"`
	BaseURL           string  `koanf:"base_url"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	ResultsDir        string  `koanf:"results_dir"`
}

// EventsConfig configures batch event publishing.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
}

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

var bucketPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Default returns a configuration populated with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Quarantine durations are not positive or base exceeds max
//   - Checkpoint backend is unknown or missing its location
//   - Service name is empty (when telemetry is enabled)
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	q := c.Quarantine
	if q.RateLimitBase <= 0 || q.TransientBase <= 0 || q.MaxBackoff <= 0 {
		return errors.New("quarantine durations must be positive")
	}
	if q.RateLimitBase > q.MaxBackoff || q.TransientBase > q.MaxBackoff {
		return fmt.Errorf("quarantine base must not exceed max_backoff (%s)", q.MaxBackoff)
	}
	if q.SweepInterval <= 0 {
		return errors.New("quarantine sweep_interval must be positive")
	}

	if c.Scheduler.Slots < 0 {
		return fmt.Errorf("scheduler slots must be >= 0, got %d", c.Scheduler.Slots)
	}
	if c.Batch.MaxAttempts < 1 {
		return fmt.Errorf("batch max_attempts must be >= 1, got %d", c.Batch.MaxAttempts)
	}
	if c.Batch.AcquireTimeout < 0 {
		return errors.New("batch acquire_timeout must not be negative")
	}

	switch c.Checkpoint.Backend {
	case BackendFile:
		if c.Checkpoint.Dir == "" {
			return errors.New("checkpoint dir is required for the file backend")
		}
		if strings.Contains(c.Checkpoint.Dir, "..") {
			return fmt.Errorf("checkpoint dir must not contain '..': %q", c.Checkpoint.Dir)
		}
	case BackendNATS:
		if c.Checkpoint.NATSURL == "" {
			return errors.New("checkpoint nats_url is required for the nats backend")
		}
		if !bucketPattern.MatchString(c.Checkpoint.Bucket) {
			return fmt.Errorf("invalid checkpoint bucket name %q", c.Checkpoint.Bucket)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown checkpoint backend %q (want file, nats or memory)", c.Checkpoint.Backend)
	}
	if c.Checkpoint.StaleAfter < 0 {
		return errors.New("checkpoint stale_after must not be negative")
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events nats_url is required when events are enabled")
	}
	if c.LLM.RequestsPerSecond < 0 {
		return errors.New("llm requests_per_second must not be negative")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

// ResolveCredentials returns the configured secrets in order.
// Environment-sourced entries must be set and non-empty.
func (c *CredentialsConfig) ResolveCredentials() ([]Secret, error) {
	out := make([]Secret, 0, len(c.Keys)+len(c.Env))
	for i, k := range c.Keys {
		if !k.IsSet() {
			return nil, fmt.Errorf("credential key %d is empty", i)
		}
		out = append(out, k)
	}
	for _, name := range c.Env {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("credential env var %s is not set", name)
		}
		out = append(out, Secret(v))
	}
	if len(out) == 0 {
		return nil, errors.New("no credentials configured")
	}
	return out, nil
}
