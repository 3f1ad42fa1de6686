// Package config loads pulse daemon configuration from TOML files and
// environment variables using Viper. Precedence, lowest to highest:
// defaults, system config, user config, project config, PULSE_ env vars.
package config

import (
	"fmt"
	"time"

	"github.com/teranos/pulse/errors"
)

// Config is the root configuration for the pulse daemon.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
}

// DatabaseConfig configures the SQLite backing store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures tick cadence and concurrency limits.
type SchedulerConfig struct {
	TickIntervalMs   int `mapstructure:"tick_interval_ms"`
	MaxConcurrent    int `mapstructure:"max_concurrent"`
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	RecheckDelayMs   int `mapstructure:"recheck_delay_ms"`
}

// LogConfig configures logger output.
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// HistoryConfig configures execution history retention.
type HistoryConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	PruneSchedule string `mapstructure:"prune_schedule"` // cron expression
}

// TickInterval returns the configured tick interval as a duration.
func (c *SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// DefaultTimeout returns the configured per-job default timeout.
func (c *SchedulerConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// RecheckDelay returns the delay before retrying a job deferred by its
// per-job concurrency cap.
func (c *SchedulerConfig) RecheckDelay() time.Duration {
	return time.Duration(c.RecheckDelayMs) * time.Millisecond
}

// Retention returns the history retention window.
func (c *HistoryConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Validate rejects configurations that would make the daemon misbehave.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.WithHint(
			errors.Wrap(errors.ErrInvalidConfig, "database.path is empty"),
			"set database.path in pulse.toml or PULSE_DATABASE_PATH")
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return errors.Wrapf(errors.ErrInvalidConfig,
			"scheduler.tick_interval_ms must be positive, got %d", c.Scheduler.TickIntervalMs)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return errors.Wrapf(errors.ErrInvalidConfig,
			"scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.History.RetentionDays < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig,
			"history.retention_days must not be negative, got %d", c.History.RetentionDays)
	}
	return nil
}

// String returns a short representation, safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Scheduler: {Tick: %s, MaxConcurrent: %d}}",
		c.Database.Path, c.Scheduler.TickInterval(), c.Scheduler.MaxConcurrent)
}
