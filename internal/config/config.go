// Package config provides YAML configuration loading and validation for the
// TrakBridge process.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	// DatabaseURL is the store DSN. "postgres://…" selects PostgreSQL via
	// pgx; anything else is treated as a SQLite file path. Required.
	DatabaseURL string `yaml:"database_url"`

	// DataDir is where the advisory bootstrap lock file lives.
	// Defaults to "/var/lib/trakbridge".
	DataDir string `yaml:"data_dir"`

	// HTTPAddr is the management API listen address. Defaults to ":8080".
	HTTPAddr string `yaml:"http_addr"`

	// JWTPublicKeyPath is the PEM RSA public key used to verify Bearer
	// tokens on the management API. Empty disables authentication (dev only).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// EncryptionKey is the hex-encoded 32-byte key for field-level
	// encryption of sensitive plugin-config values. Required when any
	// stream carries credentials.
	EncryptionKey string `yaml:"encryption_key"`

	// LogLevel is one of "debug", "info", "warn", "error". Defaults to
	// "info".
	LogLevel string `yaml:"log_level"`

	// ExternalPlugins is the allow-list of external plugin module
	// identifiers the registry may load.
	ExternalPlugins []string `yaml:"external_plugins"`

	Core      CoreConfig      `yaml:"core"`
	Transform TransformConfig `yaml:"transform"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// CoreConfig holds the data-plane tunables.
type CoreConfig struct {
	// PollDefault is the poll interval applied to streams without one.
	PollDefault time.Duration `yaml:"poll_default"`

	// MaxQueueDepth bounds each per-destination frame queue.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// StaleFrameWindow is the wall-clock age past which a queued frame is
	// discarded instead of sent.
	StaleFrameWindow time.Duration `yaml:"stale_frame_window"`

	// DefaultStale is added to an event's time to compute its stale attribute.
	DefaultStale time.Duration `yaml:"default_stale"`

	// TransformBatchSize is the number of locations transformed per batch.
	TransformBatchSize int `yaml:"transform_batch_size"`

	// HealthInterval is the manager health-loop period.
	HealthInterval time.Duration `yaml:"health_interval"`

	// WorkerGrace bounds how long a stop waits for one worker to exit.
	WorkerGrace time.Duration `yaml:"worker_grace"`

	// ManagerGrace bounds the whole-process shutdown wait.
	ManagerGrace time.Duration `yaml:"manager_grace"`

	// DeviceStateTTL is the age past which idle device-state entries are
	// purged.
	DeviceStateTTL time.Duration `yaml:"device_state_ttl"`
}

// TransformConfig bounds the parallel CoT transformation stage.
type TransformConfig struct {
	// Parallelism caps concurrent per-event transforms. Defaults to
	// min(8, NumCPU).
	Parallelism int `yaml:"parallelism"`

	// TimeoutPerEvent bounds a single event's transform.
	TimeoutPerEvent time.Duration `yaml:"timeout_per_event"`
}

// ReconnectConfig shapes the TAK connection backoff.
type ReconnectConfig struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it, applies defaults, and
// validates required fields. It returns a typed error describing the first
// validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns a Config with every tunable at its documented default.
// The zero DatabaseURL still fails Validate; Default is a base for tests.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value optional fields with their documented
// defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/trakbridge"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Core.PollDefault <= 0 {
		c.Core.PollDefault = 60 * time.Second
	}
	if c.Core.MaxQueueDepth <= 0 {
		c.Core.MaxQueueDepth = 1000
	}
	if c.Core.StaleFrameWindow <= 0 {
		c.Core.StaleFrameWindow = 60 * time.Second
	}
	if c.Core.DefaultStale <= 0 {
		c.Core.DefaultStale = 5 * time.Minute
	}
	if c.Core.TransformBatchSize <= 0 {
		c.Core.TransformBatchSize = 50
	}
	if c.Core.HealthInterval <= 0 {
		c.Core.HealthInterval = 15 * time.Second
	}
	if c.Core.WorkerGrace <= 0 {
		c.Core.WorkerGrace = 10 * time.Second
	}
	if c.Core.ManagerGrace <= 0 {
		c.Core.ManagerGrace = 15 * time.Second
	}
	if c.Core.DeviceStateTTL <= 0 {
		c.Core.DeviceStateTTL = 24 * time.Hour
	}
	if c.Transform.Parallelism <= 0 {
		c.Transform.Parallelism = min(8, runtime.NumCPU())
	}
	if c.Transform.TimeoutPerEvent <= 0 {
		c.Transform.TimeoutPerEvent = 2 * time.Second
	}
	if c.Reconnect.BackoffBase <= 0 {
		c.Reconnect.BackoffBase = time.Second
	}
	if c.Reconnect.BackoffCap <= 0 {
		c.Reconnect.BackoffCap = 60 * time.Second
	}
}

// Validate checks required fields and enumerated values.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}
	if c.Core.PollDefault < time.Second {
		errs = append(errs, fmt.Errorf("core.poll_default %s must be at least 1s", c.Core.PollDefault))
	}
	if c.Reconnect.BackoffBase > c.Reconnect.BackoffCap {
		errs = append(errs, fmt.Errorf("reconnect.backoff_base %s exceeds backoff_cap %s",
			c.Reconnect.BackoffBase, c.Reconnect.BackoffCap))
	}

	return errors.Join(errs...)
}
