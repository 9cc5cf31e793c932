package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/runstore"
)

// Error types recorded on synthetic entries.
const (
	ErrorTypeTimeout = "Timeout"
	ErrorTypeAbort   = "RunAbort"
	ErrorTypePanic   = "panic"
	// ErrorTypeNoResult marks an iteration whose module returned neither a result nor an error.
	ErrorTypeNoResult = "NoResult"
	// ErrorTypeVerdict marks a failed or partial module verdict that no entry accounts for.
	ErrorTypeVerdict = "ModuleVerdict"
)

// progressBuffer bounds queued progress notifications per run. Updates beyond
// it are dropped; the notifier paces progress messages anyway.
const progressBuffer = 64

// run is the per-run shared state. Entries and artifacts are the only
// collections workers write to, and only by appending under mu.
type run struct {
	id        string
	req       Request
	log       *zap.SugaredLogger
	notify    bool
	startedAt time.Time

	mu        sync.Mutex
	entries   []module.Entry
	artifacts []module.Artifact

	abortOnce       sync.Once
	aborted         atomic.Bool
	abortMsg        string
	preflightFailed bool

	progressCh   chan progressUpdate
	progressDone chan struct{}
}

type progressUpdate struct {
	completed, total int
	msg              string
}

func newRun(id string, req Request, log *zap.SugaredLogger) *run {
	return &run{
		id:  id,
		req: req,
		log: log.With(logger.FieldRunID, id),
	}
}

func (r *run) collect(entries []module.Entry, artifacts []module.Artifact) {
	if len(entries) == 0 && len(artifacts) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	r.artifacts = append(r.artifacts, artifacts...)
}

func (r *run) snapshot() ([]module.Entry, []module.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]module.Entry(nil), r.entries...), append([]module.Artifact(nil), r.artifacts...)
}

// markAbort records the first abort. It reports whether this call was first.
func (r *run) markAbort(msg string) bool {
	first := false
	r.abortOnce.Do(func() {
		first = true
		r.abortMsg = msg
		r.aborted.Store(true)
	})
	return first
}

// startProgress delivers progress notifications from a single goroutine so a
// slow notifier never holds up a worker.
func (r *run) startProgress(ctx context.Context, n Notifier) {
	r.progressCh = make(chan progressUpdate, progressBuffer)
	r.progressDone = make(chan struct{})
	go func() {
		defer close(r.progressDone)
		for u := range r.progressCh {
			n.NotifyProgress(ctx, r.id, u.completed, u.total, u.msg)
		}
	}()
}

func (r *run) queueProgress(u progressUpdate) {
	if r.progressCh == nil {
		return
	}
	select {
	case r.progressCh <- u:
	default:
		r.log.Debugw("Progress notification dropped", "completed", u.completed)
	}
}

// stopProgress waits for queued progress notifications to be delivered.
// Workers must have exited.
func (r *run) stopProgress() {
	if r.progressCh == nil {
		return
	}
	close(r.progressCh)
	<-r.progressDone
	r.progressCh = nil
}

func (r *run) testName() string {
	if r.req.TestName != "" {
		return r.req.TestName
	}
	if r.req.Module != nil {
		return r.req.Module.DisplayName()
	}
	return ""
}

func (r *run) header() *runstore.Run {
	return &runstore.Run{
		RunID:           r.id,
		TestCaseID:      r.req.TestCaseID,
		TestCaseVersion: r.req.TestCaseVersion,
		TestName:        r.testName(),
		ModuleType:      r.req.Module.ID(),
		ModuleName:      r.req.Module.DisplayName(),
		Profile:         r.req.Profile,
		StartedAt:       r.startedAt,
		Status:          model.StatusRunning,
	}
}

// PanicError wraps a value recovered from a panicking module.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string     { return fmt.Sprintf("module panicked: %v", e.Value) }
func (e *PanicError) ErrorType() string { return ErrorTypePanic }

type outcome struct {
	res *module.Result
	err error
}

// runPool executes the main loop on min(parallelism, platform limit) workers
// and returns once all of them have exited.
func (o *Orchestrator) runPool(ctx context.Context, r *run) {
	p := r.req.Profile
	workers := min(p.Parallelism, PlatformLimit(o.cfg.PlatformLimit))

	var deadline time.Time
	if p.Mode == model.ModeDuration {
		deadline = time.Now().Add(p.Duration())
	}
	total := p.TotalIterations()

	pulse := logger.AddPulseSymbol(r.log)
	pulse.Infow("Worker pool started", logger.FieldParallelism, workers, "deadline", deadline)

	var counter atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 1; w <= workers; w++ {
		g.Go(func() error {
			return o.worker(ctx, gctx, r, w, &counter, deadline, total)
		})
	}
	err := g.Wait()

	closing := logger.AddPulseCloseSymbol(r.log)
	closing.Infow("Worker pool finished",
		"started", o.started.Load(),
		"completed", o.completed.Load(),
		logger.FieldError, err)
}

// worker claims iteration numbers until a stop condition holds. outer is the
// caller's context; ctx is additionally canceled when a sibling hits a hard failure.
func (o *Orchestrator) worker(outer, ctx context.Context, r *run, workerID int, counter *atomic.Int64, deadline time.Time, total int) error {
	log := r.log.With(logger.FieldWorkerID, workerID)
	pause := r.req.Profile.Pause()

	for {
		n := int(counter.Add(1))
		if reason := o.stopReason(outer, ctx, r, n, deadline); reason != "" {
			log.Debugw("Worker exiting", "reason", reason, logger.FieldIteration, n)
			return nil
		}

		o.started.Add(1)
		entries, artifacts, hard := o.iterate(outer, ctx, r, r.req.Module, r.req.Settings, workerID, n)
		r.collect(entries, artifacts)
		completed := int(o.completed.Add(1))
		o.progress(r, completed, total, fmt.Sprintf("worker %d finished iteration %d", workerID, n))

		if hard != nil {
			return hard
		}
		if deadlinePassed(deadline) || o.stop.Load() {
			return nil
		}
		if budgetClaimed(r.req.Profile, counter) {
			return nil
		}
		if pause > 0 {
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}

// stopReason checks, in order: outer cancellation, a sibling hard failure,
// a stop request, the iteration budget and the duration deadline.
func (o *Orchestrator) stopReason(outer, ctx context.Context, r *run, n int, deadline time.Time) string {
	p := r.req.Profile
	switch {
	case outer.Err() != nil:
		return "canceled"
	case ctx.Err() != nil:
		return "run stopping"
	case o.stop.Load():
		return "stop requested"
	case p.Mode == model.ModeIterations && n > p.Iterations:
		return "iterations exhausted"
	case p.Mode == model.ModeDuration && deadlinePassed(deadline):
		return "deadline reached"
	}
	return ""
}

// budgetClaimed reports whether every iteration of an iterations-mode run has
// already been handed out, so a worker can exit without pausing.
func budgetClaimed(p model.Profile, counter *atomic.Int64) bool {
	return p.Mode == model.ModeIterations && int(counter.Load()) >= p.Iterations
}

func deadlinePassed(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// iterate runs one module invocation under its own timeout and applies the
// failure policy. A non-nil error is a hard failure that ends the run.
func (o *Orchestrator) iterate(outer, ctx context.Context, r *run, m module.Module, settings json.RawMessage, workerID, iteration int) ([]module.Entry, []module.Artifact, error) {
	timeout := r.req.Profile.Timeout()
	itCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := &module.ExecutionContext{
		RunID:       r.id,
		WorkerID:    workerID,
		Iteration:   iteration,
		Headless:    r.req.Profile.Headless,
		Screenshots: r.req.Profile.ScreenshotsPolicy,
		Artifacts:   o.artifacts,
		Logger:      r.log.With(logger.FieldWorkerID, workerID, logger.FieldIteration, iteration),
	}

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &PanicError{Value: p, Stack: debug.Stack()}}
			}
		}()
		res, err := m.Execute(itCtx, settings, ec)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-itCtx.Done():
		// The module goroutine may still be running; it can no longer affect the run
		out.err = itCtx.Err()
	}
	elapsed := time.Since(start)

	var entries []module.Entry
	var artifacts []module.Artifact
	if out.res != nil {
		entries = tag(out.res.Entries, workerID, iteration, start)
		artifacts = out.res.Artifacts
	}

	synthetic := func(status, errType, msg string) module.Entry {
		e := module.NewCheck("iteration", m.ID(), false, elapsed)
		e.Status = status
		e.ErrorType = errType
		e.ErrorMessage = msg
		e.WorkerID = workerID
		e.Iteration = iteration
		e.StartedAt = start.UTC()
		return e
	}

	switch {
	case outer.Err() != nil:
		if out.err == nil {
			return entries, artifacts, errors.ErrCanceled
		}
		return nil, nil, errors.ErrCanceled

	case out.err == nil:
		if out.res == nil {
			r.log.Warnw("Module returned no result", logger.FieldWorkerID, workerID, logger.FieldIteration, iteration)
			return append(entries, synthetic(module.EntryFailed, ErrorTypeNoResult, "module returned no result")), artifacts, nil
		}
		if v := out.res.Status; (v == module.StatusFailed || v == module.StatusPartial) && !anyFailed(entries) {
			r.log.Warnw("Module reported failure without a failing entry", logger.FieldWorkerID, workerID,
				logger.FieldIteration, iteration, logger.FieldStatus, v)
			return append(entries, synthetic(module.EntryFailed, ErrorTypeVerdict,
				fmt.Sprintf("module reported %s", v))), artifacts, nil
		}
		return entries, artifacts, nil

	case module.IsAbort(out.err):
		msg := out.err.Error()
		if r.markAbort(msg) {
			r.log.Errorw("Run aborted by module", logger.FieldWorkerID, workerID, logger.FieldIteration, iteration, logger.FieldError, msg)
			entries = append(entries, synthetic(module.EntryAborted, ErrorTypeAbort, msg))
		}
		return entries, artifacts, out.err

	case ctx.Err() != nil:
		// A sibling's hard failure canceled this iteration; it is not a result
		return nil, nil, nil

	case itCtx.Err() == context.DeadlineExceeded:
		r.log.Warnw("Iteration timed out", logger.FieldWorkerID, workerID, logger.FieldIteration, iteration, logger.FieldTimeoutMS, timeout.Milliseconds())
		return append(entries, synthetic(module.EntryTimeout, ErrorTypeTimeout,
			fmt.Sprintf("iteration %d exceeded %s timeout", iteration, timeout))), artifacts, nil

	default:
		errType := module.ErrorTypeOf(out.err)
		r.log.Warnw("Iteration failed", logger.FieldWorkerID, workerID, logger.FieldIteration, iteration,
			logger.FieldErrorType, errType, logger.FieldError, out.err)
		return append(entries, synthetic(module.EntryFailed, errType, out.err.Error())), artifacts, nil
	}
}

func anyFailed(entries []module.Entry) bool {
	for _, e := range entries {
		if !e.Success {
			return true
		}
	}
	return false
}

// tag stamps worker and iteration onto module-produced entries.
func tag(in []module.Entry, workerID, iteration int, start time.Time) []module.Entry {
	out := make([]module.Entry, len(in))
	for i, e := range in {
		e.WorkerID = workerID
		e.Iteration = iteration
		if e.StartedAt.IsZero() {
			e.StartedAt = start.UTC()
		}
		if e.Status == "" {
			e.Status = module.EntryPassed
			if !e.Success {
				e.Status = module.EntryFailed
			}
		}
		out[i] = e
	}
	return out
}

// preflight runs the preflight module once as worker 0, iteration 0.
// It reports whether every preflight entry succeeded; a failed or partial
// module verdict, a missing result and any error all surface as a failed entry.
func (o *Orchestrator) preflight(ctx context.Context, r *run) bool {
	pf := r.req.Preflight
	entries, artifacts, hard := o.iterate(ctx, ctx, r, pf.Module, pf.Settings, 0, 0)
	for i := range entries {
		entries[i] = entries[i].With("preflight", true)
	}
	r.collect(entries, artifacts)

	return hard == nil && !anyFailed(entries)
}

func joinProblems(errs []string) string {
	return strings.Join(errs, "; ")
}
