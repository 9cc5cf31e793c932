package orchestrator

import (
	"context"
	"time"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/metrics"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/runstore"
)

// ResolveStatus derives the final run status. Cancellation wins over
// everything, then a hard failure, then the result tally.
func ResolveStatus(canceled, hardFailure, stopRequested bool, entries []module.Entry) model.RunStatus {
	if canceled {
		return model.StatusCanceled
	}
	if hardFailure {
		return model.StatusFailed
	}

	failed := 0
	for _, e := range entries {
		if !e.Success {
			failed++
		}
	}
	switch {
	case len(entries) == 0 || failed == 0:
		if stopRequested {
			return model.StatusStopped
		}
		return model.StatusSuccess
	case failed == len(entries):
		return model.StatusFailed
	default:
		return model.StatusPartial
	}
}

func (o *Orchestrator) baseReport(r *run) *model.Report {
	rep := &model.Report{
		RunID:           r.id,
		TestName:        r.testName(),
		TestCaseID:      r.req.TestCaseID,
		TestCaseVersion: r.req.TestCaseVersion,
		Profile:         r.req.Profile,
		StartedAt:       r.startedAt,
		CheckrunVersion: o.cfg.Version,
	}
	if m := r.req.Module; m != nil {
		rep.ModuleID = m.ID()
		rep.ModuleName = m.DisplayName()
		rep.Family = m.Family()
	}
	return rep
}

// failedReport is the report for a run that never reached the main loop.
func (o *Orchestrator) failedReport(r *run, key, errorType, message string) *model.Report {
	now := time.Now().UTC()
	e := module.NewCheck(key, key, false, 0)
	e.ErrorType = errorType
	e.ErrorMessage = message
	e.StartedAt = now

	rep := o.baseReport(r)
	rep.Status = model.StatusFailed
	rep.FinishedAt = now
	rep.DurationMs = module.DurationMs(now.Sub(r.startedAt))
	rep.Entries = []module.Entry{e}
	rep.Metrics = metrics.Calculate(rep.Entries, 0)
	rep.Artifacts = []module.Artifact{}
	return rep
}

// finalize resolves the status, writes reports and persists the outcome.
// It runs to completion even when ctx is already canceled.
func (o *Orchestrator) finalize(ctx context.Context, r *run) (*model.Report, error) {
	o.setStage(r, model.StageSaving)
	r.stopProgress()
	saveCtx := context.WithoutCancel(ctx)

	entries, artifacts := r.snapshot()
	canceled := ctx.Err() != nil
	stopRequested := o.stop.Load()
	aborted := r.aborted.Load()
	status := ResolveStatus(canceled, aborted || r.preflightFailed, stopRequested, entries)

	now := time.Now().UTC()
	rep := o.baseReport(r)
	rep.Status = status
	rep.FinishedAt = now
	rep.DurationMs = module.DurationMs(now.Sub(r.startedAt))
	rep.Iterations = int(o.started.Load())
	rep.StopRequested = stopRequested
	rep.Entries = entries
	rep.Metrics = metrics.Calculate(entries, 0)
	rep.Artifacts = artifacts
	if aborted {
		rep.AbortMessage = r.abortMsg
	}
	if rep.Entries == nil {
		rep.Entries = []module.Entry{}
	}
	if rep.Artifacts == nil {
		rep.Artifacts = []module.Artifact{}
	}

	o.writeReports(r, rep)

	summary := rep.Summary()
	switch {
	case canceled:
		summary.Note = "run canceled"
	case r.preflightFailed:
		summary.Note = "preflight failed"
	case stopRequested:
		summary.Note = "stop requested"
	}

	if err := o.persist(saveCtx, r, rep, summary); err != nil {
		r.log.Errorw("Failed to persist run outcome", logger.FieldError, err)
		if r.notify {
			o.notifier.NotifyRunError(saveCtx, r.id, err)
		}
		o.finished(r, rep)
		return rep, err
	}

	if r.notify {
		o.notifier.NotifyCompletion(saveCtx, rep)
	}

	closing := logger.AddPulseCloseSymbol(r.log)
	closing.Infow("Run finished",
		logger.FieldStatus, status,
		logger.FieldCount, rep.Metrics.Count,
		logger.FieldFailed, rep.Metrics.FailureCount,
		logger.FieldDurationMS, rep.DurationMs)

	o.finished(r, rep)
	return rep, nil
}

// writeReports writes the optional HTML report and then the JSON report.
// Failures are logged; the run outcome is still persisted.
func (o *Orchestrator) writeReports(r *run, rep *model.Report) {
	if o.reports == nil {
		return
	}
	if rep.Profile.HTMLReportEnabled {
		if path, err := o.reports.WriteHTML(rep, r.id); err != nil {
			r.log.Warnw("Failed to write HTML report", logger.FieldError, err)
		} else {
			rep.Artifacts = append(rep.Artifacts, module.Artifact{Type: module.ArtifactReportHTML, Path: path, CreatedAt: time.Now().UTC()})
		}
	}
	path, err := o.reports.WriteJSON(rep, r.id)
	if err != nil {
		r.log.Warnw("Failed to write JSON report", logger.FieldError, err)
		return
	}
	rep.Artifacts = append(rep.Artifacts, module.Artifact{Type: module.ArtifactReportJSON, Path: path, CreatedAt: time.Now().UTC()})
}

// persist stores items, artifacts and finally the header. The header is
// written last so a Running row always means the outcome is incomplete.
func (o *Orchestrator) persist(ctx context.Context, r *run, rep *model.Report, summary model.Summary) error {
	if err := o.store.AppendRunItems(ctx, runstore.ItemsFromEntries(r.id, rep.Entries)); err != nil {
		return errors.WrapPersistence(err, "append run items")
	}
	if err := o.store.AppendArtifacts(ctx, runstore.ArtifactRecords(r.id, rep.Artifacts)); err != nil {
		return errors.WrapPersistence(err, "append artifacts")
	}
	if err := o.store.UpdateRun(ctx, r.id, rep.Status, rep.FinishedAt, summary); err != nil {
		return errors.WrapPersistence(err, "update run")
	}
	return nil
}
