package am

// Config represents the core checkrun configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite run store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ArtifactsConfig configures where run folders (reports, screenshots, logs) are written
type ArtifactsConfig struct {
	Root string `mapstructure:"root"`
}

// RunnerConfig bounds what a run profile may request
type RunnerConfig struct {
	MaxParallelism     int `mapstructure:"max_parallelism"`      // Upper bound on profile parallelism (default: 64)
	MaxDurationSeconds int `mapstructure:"max_duration_seconds"` // Upper bound on Duration-mode runs (default: 86400)
	PlatformLimit      int `mapstructure:"platform_limit"`       // Hard cap on concurrent workers (0 = derive from host CPU/memory)
	RetentionDays      int `mapstructure:"retention_days"`       // Runs older than this are removed by cleanup (0 = keep forever)
}

// NotifyConfig configures outbound run notifications
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig configures the Telegram notification sink
type TelegramConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BotToken   string `mapstructure:"bot_token"`
	ChatID     string `mapstructure:"chat_id"`
	APIBaseURL string `mapstructure:"api_base_url"` // default: https://api.telegram.org
	Mode       string `mapstructure:"mode"`         // off | errors_only | summary | all

	OnStart      bool `mapstructure:"on_start"`
	OnProgress   bool `mapstructure:"on_progress"`
	OnCompletion bool `mapstructure:"on_completion"`
	OnError      bool `mapstructure:"on_error"`

	MaxPerMinute            int `mapstructure:"max_per_minute"`            // Sliding-window cap across all kinds (0 = unlimited)
	ProgressIntervalSeconds int `mapstructure:"progress_interval_seconds"` // Minimum spacing between progress messages
	TimeoutSeconds          int `mapstructure:"timeout_seconds"`           // HTTP timeout per send
}

// LogConfig configures log output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Notification modes
const (
	NotifyModeOff        = "off"
	NotifyModeErrorsOnly = "errors_only"
	NotifyModeSummary    = "summary"
	NotifyModeAll        = "all"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
