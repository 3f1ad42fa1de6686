package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "pulse.db")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_ms", 1000) // 1 second tick resolution
	v.SetDefault("scheduler.max_concurrent", 10)     // Global soft cap
	v.SetDefault("scheduler.default_timeout_ms", 30000)
	v.SetDefault("scheduler.recheck_delay_ms", 500) // Re-check after per-job cap deferral

	// Log defaults
	v.SetDefault("log.json", false)

	// History defaults
	v.SetDefault("history.retention_days", 30)
	v.SetDefault("history.prune_schedule", "0 3 * * *") // 03:00 daily
}

// BindSensitiveEnvVars explicitly binds configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "PULSE_DATABASE_PATH")
	v.BindEnv("log.json", "PULSE_LOG_JSON")
}
