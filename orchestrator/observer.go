package orchestrator

import (
	"context"

	"github.com/teranos/checkrun/model"
)

// Observer receives run lifecycle events. OnProgress is called from worker
// goroutines and must be safe for concurrent use; completion order across
// workers is unordered, so iteration indices may arrive out of order.
type Observer interface {
	OnStage(runID string, stage model.Stage)
	OnProgress(runID string, completed, total int, msg string)
	OnFinished(r *model.Report)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Stage    func(runID string, stage model.Stage)
	Progress func(runID string, completed, total int, msg string)
	Finished func(r *model.Report)
}

func (f ObserverFuncs) OnStage(runID string, stage model.Stage) {
	if f.Stage != nil {
		f.Stage(runID, stage)
	}
}

func (f ObserverFuncs) OnProgress(runID string, completed, total int, msg string) {
	if f.Progress != nil {
		f.Progress(runID, completed, total, msg)
	}
}

func (f ObserverFuncs) OnFinished(r *model.Report) {
	if f.Finished != nil {
		f.Finished(r)
	}
}

// Notifier is the outbound notification sink. Implementations swallow their
// own failures. NotifyProgress is called from a per-run delivery goroutine,
// never from a worker, and every queued call returns before NotifyCompletion.
type Notifier interface {
	NotifyStart(ctx context.Context, runID, moduleName string, p model.Profile)
	NotifyProgress(ctx context.Context, runID string, completed, total int, msg string)
	NotifyCompletion(ctx context.Context, r *model.Report)
	NotifyRunError(ctx context.Context, runID string, err error)
}
