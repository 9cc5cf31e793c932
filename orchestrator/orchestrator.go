// Package orchestrator drives one run at a time: it validates the request,
// records the run header, executes the module across a bounded worker pool
// under iteration or duration budgets, resolves the final status and
// persists the outcome.
//
// Cancellation is layered. The caller's context covers the whole run; each
// iteration adds its own timeout on top, which only ever fails that iteration.
// A module error wrapping errors.ErrRunAbort stops every worker.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/runstore"
)

// Store is the part of the run store the orchestrator writes through.
type Store interface {
	CreateRun(ctx context.Context, run *runstore.Run) error
	UpdateRun(ctx context.Context, runID string, status model.RunStatus, finishedAt time.Time, summary model.Summary) error
	AppendRunItems(ctx context.Context, items []runstore.RunItem) error
	AppendArtifacts(ctx context.Context, records []runstore.ArtifactRecord) error
}

// History resolves stored runs and case versions for Replay.
type History interface {
	GetRun(ctx context.Context, runID string) (*runstore.Run, error)
	GetVersion(ctx context.Context, caseID int64, number int) (*runstore.TestCaseVersion, error)
}

// ReportWriter serializes finished reports.
type ReportWriter interface {
	WriteJSON(r *model.Report, runID string) (string, error)
	WriteHTML(r *model.Report, runID string) (string, error)
}

// Artifacts manages run folders and module-produced files.
type Artifacts interface {
	module.ArtifactSaver
	CreateRunFolder(runID string) error
}

// Config holds the safety bounds applied to every run.
type Config struct {
	Limits        model.Limits
	PlatformLimit int    // 0 derives the limit from the host
	Version       string // stamped into reports
}

// Request describes one run.
type Request struct {
	RunID           string // generated when empty
	Module          module.Module
	Settings        json.RawMessage
	Profile         model.Profile
	TestName        string
	TestCaseID      *int64
	TestCaseVersion *int
	Preflight       *Preflight
}

// Preflight is a module executed once before the main loop when the profile
// enables it. Any unsuccessful preflight entry fails the run.
type Preflight struct {
	Module   module.Module
	Settings json.RawMessage
}

// Stats is a point-in-time view of the current or last run.
type Stats struct {
	RunID         string      `json:"run_id"`
	Stage         model.Stage `json:"stage"`
	Started       int         `json:"started"`
	Completed     int         `json:"completed"`
	StopRequested bool        `json:"stop_requested"`
}

// Orchestrator runs one run at a time. Its methods are safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	store     Store
	reports   ReportWriter
	artifacts Artifacts
	notifier  Notifier
	history   History
	registry  *module.Registry
	log       *zap.SugaredLogger

	mu        sync.Mutex
	running   bool
	runID     string
	stage     model.Stage
	observers []Observer

	stop      atomic.Bool
	started   atomic.Int64
	completed atomic.Int64
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sends run notifications for profiles that enable them.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithObserver registers an observer for every run.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithHistory enables Replay, resolving modules through reg.
func WithHistory(h History, reg *module.Registry) Option {
	return func(o *Orchestrator) {
		o.history = h
		o.registry = reg
	}
}

// New creates an orchestrator.
func New(cfg Config, store Store, reports ReportWriter, artifacts Artifacts, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		reports:   reports,
		artifacts: artifacts,
		log:       zap.NewNop().Sugar(),
		stage:     model.StageIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddObserver registers an observer for subsequent events.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Validate returns every problem with the module settings and the profile.
// An empty result means the run may start.
func (o *Orchestrator) Validate(m module.Module, settings json.RawMessage, p model.Profile) []string {
	var errs []string
	if m == nil {
		errs = append(errs, "module is required")
	} else {
		errs = append(errs, m.Validate(settings)...)
	}
	return append(errs, p.Validate(o.cfg.Limits)...)
}

// RequestStop asks the current run to stop after in-flight iterations finish.
// The run then resolves to Stopped unless results failed.
func (o *Orchestrator) RequestStop() {
	o.stop.Store(true)
	o.log.Infow("Stop requested", logger.FieldRunID, o.currentRunID())
}

// Stage returns the lifecycle stage of the current or last run.
func (o *Orchestrator) Stage() model.Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

// Stats returns counters for the current or last run.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		RunID:         o.runID,
		Stage:         o.stage,
		Started:       int(o.started.Load()),
		Completed:     int(o.completed.Load()),
		StopRequested: o.stop.Load(),
	}
}

func (o *Orchestrator) currentRunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// begin claims the orchestrator for one run.
func (o *Orchestrator) begin(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.Wrapf(errors.ErrConflict, "run %s is already in progress", o.runID)
	}
	o.running = true
	o.runID = runID
	o.stage = model.StageIdle
	o.stop.Store(false)
	o.started.Store(0)
	o.completed.Store(0)
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *Orchestrator) snapshotObservers() []Observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Observer(nil), o.observers...)
}

func (o *Orchestrator) setStage(r *run, stage model.Stage) {
	o.mu.Lock()
	o.stage = stage
	o.mu.Unlock()

	r.log.Debugw("Stage changed", logger.FieldStage, stage)
	for _, obs := range o.snapshotObservers() {
		obs.OnStage(r.id, stage)
	}
}

func (o *Orchestrator) progress(r *run, completed, total int, msg string) {
	for _, obs := range o.snapshotObservers() {
		obs.OnProgress(r.id, completed, total, msg)
	}
	if r.notify {
		r.queueProgress(progressUpdate{completed: completed, total: total, msg: msg})
	}
}

func (o *Orchestrator) finished(r *run, rep *model.Report) {
	o.setStage(r, model.StageDone)
	for _, obs := range o.snapshotObservers() {
		obs.OnFinished(rep)
	}
}

// Start executes a run and returns its report. The report is always non-nil
// once validation of the request shape passes.
//
// A request that fails validation returns a Failed report and a nil error, and
// creates no run record. The error is non-nil only when the outcome could not
// be durably recorded (errors.IsPersistenceError) or when another run is
// already in progress (errors.ErrConflict).
func (o *Orchestrator) Start(ctx context.Context, req Request) (*model.Report, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := o.begin(runID); err != nil {
		return nil, err
	}
	defer o.end()

	r := newRun(runID, req, o.log)
	r.notify = o.notifier != nil && req.Profile.TelegramEnabled
	r.startedAt = time.Now().UTC()
	ctx = logger.WithRunID(ctx, runID)

	if errs := o.Validate(req.Module, req.Settings, req.Profile); len(errs) > 0 {
		return o.reject(ctx, r, errs), nil
	}

	open := logger.AddPulseOpenSymbol(r.log)
	open.Infow("Run starting",
		logger.FieldModuleID, req.Module.ID(),
		logger.FieldMode, req.Profile.Mode,
		logger.FieldParallelism, req.Profile.Parallelism,
		logger.FieldIterations, req.Profile.Iterations)

	if err := o.store.CreateRun(context.WithoutCancel(ctx), r.header()); err != nil {
		perr := errors.WrapPersistence(err, "create run")
		rep := o.failedReport(r, "persistence", "PersistenceError", perr.Error())
		if r.notify {
			o.notifier.NotifyRunError(ctx, runID, perr)
		}
		o.finished(r, rep)
		return rep, perr
	}

	if err := o.artifacts.CreateRunFolder(runID); err != nil {
		r.log.Warnw("Failed to create run folder", logger.FieldError, err)
	}

	if r.notify {
		o.notifier.NotifyStart(ctx, runID, req.Module.DisplayName(), req.Profile)
		r.startProgress(ctx, o.notifier)
	}

	if req.Profile.PreflightEnabled && req.Preflight != nil && req.Preflight.Module != nil {
		o.setStage(r, model.StagePreflight)
		if !o.preflight(ctx, r) {
			r.preflightFailed = true
			r.log.Warnw("Preflight failed, skipping main loop")
			return o.finalize(ctx, r)
		}
	}

	o.setStage(r, model.StageRunning)
	o.runPool(ctx, r)
	return o.finalize(ctx, r)
}

// reject builds the report for a request that failed validation. Nothing is
// written to the store; the JSON report is written on a best-effort basis.
func (o *Orchestrator) reject(ctx context.Context, r *run, errs []string) *model.Report {
	r.log.Warnw("Run rejected by validation", logger.FieldCount, len(errs), "problems", errs)

	rep := o.failedReport(r, "validation", "ValidationError", joinProblems(errs))
	if o.reports != nil {
		if path, err := o.reports.WriteJSON(rep, r.id); err != nil {
			r.log.Warnw("Failed to write report for rejected run", logger.FieldError, err)
		} else {
			rep.Artifacts = append(rep.Artifacts, module.Artifact{Type: module.ArtifactReportJSON, Path: path, CreatedAt: time.Now().UTC()})
		}
	}
	if r.notify {
		o.notifier.NotifyRunError(ctx, r.id, errors.Wrap(errors.ErrValidation, joinProblems(errs)))
	}
	o.finished(r, rep)
	return rep
}
