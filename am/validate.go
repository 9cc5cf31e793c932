package am

import "github.com/teranos/checkrun/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Runner limits: 0 = use default, negative = invalid
	if c.Runner.MaxParallelism < 0 {
		return errors.Newf("runner.max_parallelism must be >= 0, got %d", c.Runner.MaxParallelism)
	}
	if c.Runner.MaxDurationSeconds < 0 {
		return errors.Newf("runner.max_duration_seconds must be >= 0, got %d", c.Runner.MaxDurationSeconds)
	}
	if c.Runner.PlatformLimit < 0 {
		return errors.Newf("runner.platform_limit must be >= 0, got %d", c.Runner.PlatformLimit)
	}
	if c.Runner.RetentionDays < 0 {
		return errors.Newf("runner.retention_days must be >= 0, got %d", c.Runner.RetentionDays)
	}

	tg := c.Notify.Telegram
	switch tg.Mode {
	case "", NotifyModeOff, NotifyModeErrorsOnly, NotifyModeSummary, NotifyModeAll:
	default:
		return errors.Newf("notify.telegram.mode must be one of off, errors_only, summary, all; got %q", tg.Mode)
	}
	if tg.MaxPerMinute < 0 {
		return errors.Newf("notify.telegram.max_per_minute must be >= 0, got %d", tg.MaxPerMinute)
	}
	if tg.ProgressIntervalSeconds < 0 {
		return errors.Newf("notify.telegram.progress_interval_seconds must be >= 0, got %d", tg.ProgressIntervalSeconds)
	}

	// Credentials only matter once the sink is switched on
	if tg.Enabled {
		if tg.BotToken == "" {
			return errors.WithHint(
				errors.New("notify.telegram.bot_token cannot be empty when enabled"),
				"set CHECKRUN_TELEGRAM_BOT_TOKEN or notify.telegram.bot_token")
		}
		if tg.ChatID == "" {
			return errors.New("notify.telegram.chat_id cannot be empty when enabled")
		}
		if tg.TimeoutSeconds <= 0 {
			return errors.Newf("notify.telegram.timeout_seconds must be > 0, got %d", tg.TimeoutSeconds)
		}
	}

	return nil
}
