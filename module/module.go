// Package module defines the contract between the run orchestrator and
// pluggable check modules.
//
// A module is an opaque capability: the orchestrator forwards its settings
// document untouched, calls Execute once per iteration and reads back the
// Result. Modules must honor ctx promptly; the orchestrator cannot force-kill
// a module that ignores cancellation.
package module

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Family groups modules by the kind of target they check.
type Family string

const (
	FamilyHTTP    Family = "http"
	FamilyNetwork Family = "network"
	FamilyUI      Family = "ui"
	FamilyCustom  Family = "custom"
)

// Module is implemented by every check module.
type Module interface {
	// ID is the stable registry key, e.g. "http_probe".
	ID() string
	DisplayName() string
	Family() Family
	// SettingsType names the settings document shape, for tooling.
	SettingsType() string
	CreateDefaultSettings() json.RawMessage
	// Validate returns human-readable problems with settings; empty means valid.
	Validate(settings json.RawMessage) []string
	// Execute runs one iteration. Returning an error wrapping errors.ErrRunAbort
	// stops the whole run; any other error fails only this iteration.
	Execute(ctx context.Context, settings json.RawMessage, ec *ExecutionContext) (*Result, error)
}

// ScreenshotsPolicy controls when UI modules capture screenshots.
type ScreenshotsPolicy string

const (
	ScreenshotsOff       ScreenshotsPolicy = "off"
	ScreenshotsOnFailure ScreenshotsPolicy = "on_failure"
	ScreenshotsAlways    ScreenshotsPolicy = "always"
)

// ArtifactSaver persists files a module produces into the run folder.
// Returned paths are relative to the artifact root.
type ArtifactSaver interface {
	SaveScreenshot(runID, name string, data []byte) (string, error)
	SaveLog(runID, name string, data []byte) (string, error)
}

// ExecutionContext is the per-iteration view a module receives.
// It is built fresh for every iteration and never shared between workers.
type ExecutionContext struct {
	RunID       string
	WorkerID    int
	Iteration   int
	Headless    bool
	Screenshots ScreenshotsPolicy
	Artifacts   ArtifactSaver
	Logger      *zap.SugaredLogger
}

// Log returns the iteration logger, or a no-op logger when none was set.
func (ec *ExecutionContext) Log() *zap.SugaredLogger {
	if ec == nil || ec.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return ec.Logger
}
