package orchestrator

import (
	"context"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/model"
)

// Replay starts a new run with the module, profile and test case version
// recorded on a stored run. Settings are only persisted with test cases, so
// runs started from ad-hoc settings cannot be replayed.
func (o *Orchestrator) Replay(ctx context.Context, runID string) (*model.Report, error) {
	if o.history == nil || o.registry == nil {
		return nil, errors.NewInvalidRequestError("replay is not configured")
	}

	prev, err := o.history.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load run %s", runID)
	}
	m, err := o.registry.Get(prev.ModuleType)
	if err != nil {
		return nil, errors.Wrapf(err, "run %s used module %s", runID, prev.ModuleType)
	}
	if prev.TestCaseID == nil {
		return nil, errors.NewInvalidRequestError("run %s has no saved test case to replay", runID)
	}

	number := 0
	if prev.TestCaseVersion != nil {
		number = *prev.TestCaseVersion
	}
	v, err := o.history.GetVersion(ctx, *prev.TestCaseID, number)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load test case %d", *prev.TestCaseID)
	}

	o.log.Infow("Replaying run", logger.FieldRunID, runID,
		logger.FieldTestCaseID, *prev.TestCaseID, "version", v.VersionNumber)
	if prev.Profile.PreflightEnabled {
		o.log.Warnw("Replay runs without preflight; the preflight module is not recorded with runs",
			logger.FieldRunID, runID)
	}

	caseID := *prev.TestCaseID
	version := v.VersionNumber
	return o.Start(ctx, Request{
		Module:          m,
		Settings:        v.PayloadJSON,
		Profile:         prev.Profile,
		TestName:        prev.TestName,
		TestCaseID:      &caseID,
		TestCaseVersion: &version,
	})
}
