package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// Default values shared by SetDefaults and the zero-value accessors below
const (
	DefaultDatabasePath       = "checkrun.db"
	DefaultArtifactsRoot      = "artifacts"
	DefaultMaxParallelism     = 64
	DefaultMaxDurationSeconds = 86400
	DefaultTelegramAPIBaseURL = "https://api.telegram.org"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("artifacts.root", DefaultArtifactsRoot)

	// Runner safety limits
	v.SetDefault("runner.max_parallelism", DefaultMaxParallelism)
	v.SetDefault("runner.max_duration_seconds", DefaultMaxDurationSeconds)
	v.SetDefault("runner.platform_limit", 0) // derive from host
	v.SetDefault("runner.retention_days", 0) // keep forever

	// Telegram notifications (disabled until a token and chat are configured)
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base_url", DefaultTelegramAPIBaseURL)
	v.SetDefault("notify.telegram.mode", NotifyModeSummary)
	v.SetDefault("notify.telegram.on_start", true)
	v.SetDefault("notify.telegram.on_progress", false)
	v.SetDefault("notify.telegram.on_completion", true)
	v.SetDefault("notify.telegram.on_error", true)
	v.SetDefault("notify.telegram.max_per_minute", 20)            // Telegram allows ~20 msgs/min per group
	v.SetDefault("notify.telegram.progress_interval_seconds", 30) // one progress message per 30s at most
	v.SetDefault("notify.telegram.timeout_seconds", 10)

	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("notify.telegram.bot_token", "CHECKRUN_TELEGRAM_BOT_TOKEN")
	v.BindEnv("notify.telegram.chat_id", "CHECKRUN_TELEGRAM_CHAT_ID")
	v.BindEnv("database.path", "CHECKRUN_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetArtifactsRoot returns the root directory for run folders
func (c *Config) GetArtifactsRoot() string {
	if c.Artifacts.Root == "" {
		return DefaultArtifactsRoot
	}
	return c.Artifacts.Root
}

// GetMaxParallelism returns runner.max_parallelism, falling back to the default for zero
func (c *Config) GetMaxParallelism() int {
	if c.Runner.MaxParallelism == 0 {
		return DefaultMaxParallelism
	}
	return c.Runner.MaxParallelism
}

// GetMaxDurationSeconds returns runner.max_duration_seconds, falling back to the default for zero
func (c *Config) GetMaxDurationSeconds() int {
	if c.Runner.MaxDurationSeconds == 0 {
		return DefaultMaxDurationSeconds
	}
	return c.Runner.MaxDurationSeconds
}

// String returns a string representation of the config with secrets elided
func (c *Config) String() string {
	token := ""
	if c.Notify.Telegram.BotToken != "" {
		token = "***"
	}
	return fmt.Sprintf("Config{Database: %s, Artifacts: %s, Runner: {MaxParallelism: %d, PlatformLimit: %d}, Telegram: {Enabled: %t, Token: %q, Mode: %s}}",
		c.GetDatabasePath(), c.GetArtifactsRoot(), c.GetMaxParallelism(), c.Runner.PlatformLimit,
		c.Notify.Telegram.Enabled, token, c.Notify.Telegram.Mode)
}
