// Package config provides YAML configuration loading and validation for the
// cooker daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the cooker daemon.
type Config struct {
	// Repos is the list of repositories to watch and cook. Required,
	// non-empty.
	Repos []RepoConfig `yaml:"repos"`

	// RuleFiles is the list of rule-file paths to load, in order: a base file
	// and at most one overlay, whose rules are merged in (via mergo) after the
	// base file's rules. Required, non-empty; the runtime rejects more than
	// two entries.
	RuleFiles []string `yaml:"rule_files"`

	// StatePath is the path to the Persisted State SQLite database.
	// Defaults to "./cooker-state.db" when omitted.
	StatePath string `yaml:"state_path"`

	// Parallelism is the number of scheduler worker goroutines. Defaults to
	// the number of CPUs when omitted or <= 0.
	Parallelism int `yaml:"parallelism"`

	// MaxRetries is the number of times a failed CookingCommand is retried
	// before it is left in StateError. Defaults to 0 (no retries) when
	// omitted.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is loaded and defaults to 500ms when omitted, but the
	// daemon does not pass it to the scheduler, whose retry delay follows
	// its own fixed exponential schedule regardless of it.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// API configures the observability REST/websocket surface.
	API APIConfig `yaml:"api"`

	// HistoryMirror, if set, configures the optional secondary PostgreSQL
	// cook-history mirror. Nil disables it entirely.
	HistoryMirror *PostgresConfig `yaml:"history_mirror,omitempty"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AuditLogPath, if set, enables the tamper-evident hash-chained cook
	// history audit log at this path. Empty disables it.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`
}

// RepoConfig describes one repository root to register, watch, and cook.
type RepoConfig struct {
	// Name is the repo's identifier used in path templates ({Repo}) and
	// cross-repo dependency references. Required.
	Name string `yaml:"name"`

	// Root is the absolute or relative filesystem path to the repo root.
	// Required.
	Root string `yaml:"root"`
}

// APIConfig configures the REST/websocket observability surface.
type APIConfig struct {
	// Addr is the listen address for the HTTP server (e.g. "127.0.0.1:9000").
	// Defaults to "127.0.0.1:9000" when omitted.
	Addr string `yaml:"addr"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used to
	// verify bearer tokens on authenticated endpoints. Required when Addr is
	// set explicitly; when both are omitted the API listens on the default
	// Addr without bearer-token verification.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// PostgresConfig configures the optional history-mirror connection.
type PostgresConfig struct {
	// ConnString is a libpq-style PostgreSQL connection string. Required.
	ConnString string `yaml:"conn_string"`

	// BatchSize is the number of rows buffered before an automatic flush.
	// Defaults to historymirror.DefaultBatchSize when omitted.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is how often the mirror flushes even below BatchSize.
	// Defaults to historymirror.DefaultFlushInterval when omitted.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	// The listen-address default is applied after validation so that an
	// omitted addr does not trigger the jwt_public_key_path requirement.
	if cfg.API.Addr == "" {
		cfg.API.Addr = "127.0.0.1:9000"
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "./cooker-state.db"
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.HistoryMirror != nil {
		if cfg.HistoryMirror.BatchSize <= 0 {
			cfg.HistoryMirror.BatchSize = 100
		}
		if cfg.HistoryMirror.FlushInterval <= 0 {
			cfg.HistoryMirror.FlushInterval = 500 * time.Millisecond
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Repos) == 0 {
		errs = append(errs, errors.New("repos: at least one repo is required"))
	}
	seenRepo := make(map[string]bool)
	for i, r := range cfg.Repos {
		prefix := fmt.Sprintf("repos[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seenRepo[r.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate repo name %q", prefix, r.Name))
		}
		seenRepo[r.Name] = true
		if r.Root == "" {
			errs = append(errs, fmt.Errorf("%s: root is required", prefix))
		}
	}

	if len(cfg.RuleFiles) == 0 {
		errs = append(errs, errors.New("rule_files: at least one rule file is required"))
	}

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}

	if cfg.API.Addr != "" && cfg.API.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("api.jwt_public_key_path is required when api.addr is set"))
	}

	if cfg.HistoryMirror != nil && cfg.HistoryMirror.ConnString == "" {
		errs = append(errs, errors.New("history_mirror.conn_string is required when history_mirror is configured"))
	}

	return errors.Join(errs...)
}
