package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across checkrun.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldRunID      = "run_id"
	FieldModuleID   = "module_id"
	FieldProfileID  = "profile_id"
	FieldTestCaseID = "test_case_id"
	FieldWorkerID   = "worker_id"
	FieldIteration  = "iteration"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldStage     = "stage"
	FieldMode      = "mode"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldTimeoutMS  = "timeout_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"

	// Counts
	FieldCount       = "count"
	FieldParallelism = "parallelism"
	FieldIterations  = "iterations"
	FieldSuccess     = "success"
	FieldFailed      = "failed"

	// Status
	FieldStatus = "status"
	FieldKind   = "kind"

	// Symbol glyph for the subsystem that emitted the entry
	FieldSymbol = "symbol"
)

// Context keys for propagating logging context
type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	moduleIDKey  contextKey = "logger_module_id"
	componentKey contextKey = "logger_component"
)

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithModuleID adds a module ID to the context for logging
func WithModuleID(ctx context.Context, moduleID string) context.Context {
	return context.WithValue(ctx, moduleIDKey, moduleID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if moduleID, ok := ctx.Value(moduleIDKey).(string); ok && moduleID != "" {
		fields = append(fields, FieldModuleID, moduleID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Orchestrator struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func New() *Orchestrator {
//	    return &Orchestrator{
//	        logger: logger.ComponentLogger("orchestrator"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
//	workerLog := logger.ChildLogger(runLog, logger.FieldWorkerID, id)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
