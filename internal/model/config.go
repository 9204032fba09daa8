package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single archived mailbox.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// Email is the primary address of the mailbox.
	Email string `mapstructure:"email" yaml:"email"`

	// Kind selects the transport ("imap" or "graph").
	Kind string `mapstructure:"kind" yaml:"kind"`

	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	TLS      string `mapstructure:"tls" yaml:"tls"`
	Username string `mapstructure:"username" yaml:"username"`

	// SecretRef points at the password or client secret, e.g.
	// "keyring:work-imap" or "env:GRAPH_SECRET".
	SecretRef string `mapstructure:"secret_ref" yaml:"secret_ref"`

	TenantID string `mapstructure:"tenant_id" yaml:"tenant_id"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`

	// Mailbox is the user principal the REST provider reads from.
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// BaseURL overrides the REST API and token endpoints (tests, sovereign clouds).
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	TokenURL string `mapstructure:"token_url" yaml:"token_url"`

	Enabled         bool     `mapstructure:"enabled" yaml:"enabled"`
	ExcludedFolders []string `mapstructure:"excluded_folders" yaml:"excluded_folders"`

	// RetentionDays enables remote deletion of archived messages older
	// than this many days. Zero disables it.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

// DatabaseConfig holds the archive database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SyncConfig holds throttling and timeout settings for reconciliation runs.
type SyncConfig struct {
	BatchSize           int `mapstructure:"batch_size" yaml:"batch_size"`
	BatchPauseMs        int `mapstructure:"batch_pause_ms" yaml:"batch_pause_ms"`
	MessagePauseMs      int `mapstructure:"message_pause_ms" yaml:"message_pause_ms"`
	OperationTimeoutSec int `mapstructure:"operation_timeout_sec" yaml:"operation_timeout_sec"`
	PollIntervalSec     int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	PageSize            int `mapstructure:"page_size" yaml:"page_size"`

	// InitialLookbackDays bounds the first sync of an account. Zero
	// fetches the whole mailbox.
	InitialLookbackDays int `mapstructure:"initial_lookback_days" yaml:"initial_lookback_days"`
}

// BatchPause returns the pause between batches.
func (c SyncConfig) BatchPause() time.Duration {
	return time.Duration(c.BatchPauseMs) * time.Millisecond
}

// MessagePause returns the pause between individual messages.
func (c SyncConfig) MessagePause() time.Duration {
	return time.Duration(c.MessagePauseMs) * time.Millisecond
}

// OperationTimeout returns the upper bound for a single remote call.
func (c SyncConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSec) * time.Second
}

// DedupConfig tunes duplicate detection for messages whose identity
// cannot be trusted.
type DedupConfig struct {
	ToleranceSec int `mapstructure:"tolerance_sec" yaml:"tolerance_sec"`

	// HeuristicWithID also applies the envelope heuristic to messages
	// that do carry a Message-ID, to catch identifiers regenerated by
	// the provider between an import and a live sync.
	HeuristicWithID bool `mapstructure:"heuristic_with_id" yaml:"heuristic_with_id"`
}

// LimitsConfig holds index size ceilings.
type LimitsConfig struct {
	MaxIndexBytes int `mapstructure:"max_index_bytes" yaml:"max_index_bytes"`
}

// RetryConfig controls automatic resubmission of failed jobs.
type RetryConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	MaxRetries   int  `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelaySec int  `mapstructure:"base_delay_sec" yaml:"base_delay_sec"`
}

// JobsConfig holds runner and cleanup settings for every job family.
type JobsConfig struct {
	CleanupSchedule string `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule"`

	SyncRetentionHours     int `mapstructure:"sync_retention_hours" yaml:"sync_retention_hours"`
	RestoreRetentionHours  int `mapstructure:"restore_retention_hours" yaml:"restore_retention_hours"`
	DeletionRetentionHours int `mapstructure:"deletion_retention_hours" yaml:"deletion_retention_hours"`
	ImportRetentionHours   int `mapstructure:"import_retention_hours" yaml:"import_retention_hours"`

	SyncPollMs     int `mapstructure:"sync_poll_ms" yaml:"sync_poll_ms"`
	RestorePollMs  int `mapstructure:"restore_poll_ms" yaml:"restore_poll_ms"`
	DeletionPollMs int `mapstructure:"deletion_poll_ms" yaml:"deletion_poll_ms"`
	ImportPollMs   int `mapstructure:"import_poll_ms" yaml:"import_poll_ms"`

	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// MetricsConfig holds the Prometheus listener address.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Dedup    DedupConfig     `mapstructure:"dedup" yaml:"dedup"`
	Limits   LimitsConfig    `mapstructure:"limits" yaml:"limits"`
	Jobs     JobsConfig      `mapstructure:"jobs" yaml:"jobs"`
	Metrics  MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailarchiver/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailarchiver", "config.yaml")
}

// DefaultDatabasePath returns ~/.local/share/mailarchiver/archive.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "archive.db"
	}
	return filepath.Join(home, ".local", "share", "mailarchiver", "archive.db")
}

// setDefaults registers every default on v so that both a missing file
// and a partial file resolve to the same values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.batch_pause_ms", 1000)
	v.SetDefault("sync.message_pause_ms", 50)
	v.SetDefault("sync.operation_timeout_sec", 300)
	v.SetDefault("sync.poll_interval_sec", 900)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.initial_lookback_days", 0)

	v.SetDefault("dedup.tolerance_sec", 2)
	v.SetDefault("dedup.heuristic_with_id", true)

	v.SetDefault("limits.max_index_bytes", 900_000)

	v.SetDefault("jobs.cleanup_schedule", "@every 1h")
	v.SetDefault("jobs.sync_retention_hours", 24)
	v.SetDefault("jobs.restore_retention_hours", 72)
	v.SetDefault("jobs.deletion_retention_hours", 72)
	v.SetDefault("jobs.import_retention_hours", 168)
	v.SetDefault("jobs.sync_poll_ms", 1000)
	v.SetDefault("jobs.restore_poll_ms", 1000)
	v.SetDefault("jobs.deletion_poll_ms", 1000)
	v.SetDefault("jobs.import_poll_ms", 100)
	v.SetDefault("jobs.retry.enabled", false)
	v.SetDefault("jobs.retry.max_retries", 3)
	v.SetDefault("jobs.retry.base_delay_sec", 30)

	v.SetDefault("metrics.addr", "")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILARCHIVER_ override file values.
// If the file does not exist, defaults are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		acct := &cfg.Accounts[i]
		if acct.Kind == "" {
			acct.Kind = string(AccountKindIMAP)
		}
		if !acct.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				acct.Enabled = true
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *AppConfig) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Limits.MaxIndexBytes <= 0 {
		return fmt.Errorf("limits.max_index_bytes must be positive")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account %q has no id", a.Name)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true

		switch AccountKind(a.Kind) {
		case AccountKindIMAP:
			if a.Host == "" {
				return fmt.Errorf("account %q: imap host is required", a.ID)
			}
		case AccountKindGraph:
			if a.TenantID == "" || a.ClientID == "" || a.Mailbox == "" {
				return fmt.Errorf(
					"account %q: tenant_id, client_id and mailbox are required",
					a.ID,
				)
			}
		default:
			return fmt.Errorf("account %q: unknown kind %q", a.ID, a.Kind)
		}
	}

	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("log", cfg.Log)
	v.Set("sync", cfg.Sync)
	v.Set("dedup", cfg.Dedup)
	v.Set("limits", cfg.Limits)
	v.Set("jobs", cfg.Jobs)
	v.Set("metrics", cfg.Metrics)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
