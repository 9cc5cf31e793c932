package model

import (
	"fmt"
	"time"

	"github.com/teranos/checkrun/module"
)

// Mode selects how a run's budget is expressed.
type Mode string

const (
	ModeIterations Mode = "Iterations"
	ModeDuration   Mode = "Duration"
)

// Profile is a reusable run configuration. A copy is snapshotted into every
// run at start, so later edits never affect a run in flight.
type Profile struct {
	ID                string                   `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string                   `json:"name" yaml:"name"`
	Parallelism       int                      `json:"parallelism" yaml:"parallelism"`
	Mode              Mode                     `json:"mode" yaml:"mode"`
	Iterations        int                      `json:"iterations" yaml:"iterations"`
	DurationSeconds   int                      `json:"duration_seconds" yaml:"duration_seconds"`
	TimeoutSeconds    int                      `json:"timeout_seconds" yaml:"timeout_seconds"`
	PauseMs           int                      `json:"pause_ms" yaml:"pause_ms"`
	Headless          bool                     `json:"headless" yaml:"headless"`
	ScreenshotsPolicy module.ScreenshotsPolicy `json:"screenshots_policy" yaml:"screenshots_policy"`
	HTMLReportEnabled bool                     `json:"html_report_enabled" yaml:"html_report_enabled"`
	TelegramEnabled   bool                     `json:"telegram_enabled" yaml:"telegram_enabled"`
	PreflightEnabled  bool                     `json:"preflight_enabled" yaml:"preflight_enabled"`
	CreatedAt         time.Time                `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt         time.Time                `json:"updated_at,omitempty" yaml:"-"`
}

// DefaultProfile is a single-worker, single-iteration profile.
func DefaultProfile() Profile {
	return Profile{
		Name:              "default",
		Parallelism:       1,
		Mode:              ModeIterations,
		Iterations:        1,
		TimeoutSeconds:    30,
		Headless:          true,
		ScreenshotsPolicy: module.ScreenshotsOnFailure,
	}
}

// Limits are the safety bounds a profile is checked against.
type Limits struct {
	MaxParallelism     int
	MaxDurationSeconds int
}

// Validate returns every constraint the profile violates.
func (p Profile) Validate(limits Limits) []string {
	var errs []string

	if p.Parallelism <= 0 {
		errs = append(errs, fmt.Sprintf("parallelism must be greater than 0, got %d", p.Parallelism))
	} else if limits.MaxParallelism > 0 && p.Parallelism > limits.MaxParallelism {
		errs = append(errs, fmt.Sprintf("parallelism must be at most %d, got %d", limits.MaxParallelism, p.Parallelism))
	}

	switch p.Mode {
	case ModeIterations:
		if p.Iterations <= 0 {
			errs = append(errs, fmt.Sprintf("iterations must be greater than 0 in Iterations mode, got %d", p.Iterations))
		}
	case ModeDuration:
		if p.DurationSeconds <= 0 {
			errs = append(errs, fmt.Sprintf("duration must be greater than 0 seconds in Duration mode, got %d", p.DurationSeconds))
		} else if limits.MaxDurationSeconds > 0 && p.DurationSeconds > limits.MaxDurationSeconds {
			errs = append(errs, fmt.Sprintf("duration must be at most %d seconds, got %d", limits.MaxDurationSeconds, p.DurationSeconds))
		}
	default:
		errs = append(errs, fmt.Sprintf("mode must be %s or %s, got %q", ModeIterations, ModeDuration, p.Mode))
	}

	if p.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("timeout must be greater than 0 seconds, got %d", p.TimeoutSeconds))
	}
	if p.PauseMs < 0 {
		errs = append(errs, fmt.Sprintf("pause must be 0 or more milliseconds, got %d", p.PauseMs))
	}

	switch p.ScreenshotsPolicy {
	case "", module.ScreenshotsOff, module.ScreenshotsOnFailure, module.ScreenshotsAlways:
	default:
		errs = append(errs, fmt.Sprintf("screenshots policy %q is not one of off, on_failure, always", p.ScreenshotsPolicy))
	}

	return errs
}

// Timeout is the per-iteration timeout.
func (p Profile) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Pause is the suspension between a worker's iterations.
func (p Profile) Pause() time.Duration {
	return time.Duration(p.PauseMs) * time.Millisecond
}

// Duration is the wall-clock budget in Duration mode.
func (p Profile) Duration() time.Duration {
	return time.Duration(p.DurationSeconds) * time.Second
}

// TotalIterations is the planned iteration count, or 0 when open-ended.
func (p Profile) TotalIterations() int {
	if p.Mode == ModeIterations {
		return p.Iterations
	}
	return 0
}
