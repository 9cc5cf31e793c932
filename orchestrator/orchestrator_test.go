package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/checkrun/errors"
	testdb "github.com/teranos/checkrun/internal/testing"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/report"
	"github.com/teranos/checkrun/runstore"
)

// scriptedModule runs fn for every iteration.
type scriptedModule struct {
	id    string
	calls atomic.Int64
	fn    func(ctx context.Context, settings json.RawMessage, ec *module.ExecutionContext) (*module.Result, error)
}

func (m *scriptedModule) ID() string                             { return m.id }
func (m *scriptedModule) DisplayName() string                    { return "Scripted " + m.id }
func (m *scriptedModule) Family() module.Family                  { return module.FamilyCustom }
func (m *scriptedModule) SettingsType() string                   { return "scripted" }
func (m *scriptedModule) CreateDefaultSettings() json.RawMessage { return json.RawMessage(`{}`) }

func (m *scriptedModule) Validate(settings json.RawMessage) []string {
	if !json.Valid(settings) {
		return []string{"settings must be valid JSON"}
	}
	return nil
}

func (m *scriptedModule) Execute(ctx context.Context, settings json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
	m.calls.Add(1)
	if m.fn == nil {
		return pass(ec), nil
	}
	return m.fn(ctx, settings, ec)
}

func pass(ec *module.ExecutionContext) *module.Result {
	return &module.Result{
		Status:  module.StatusSuccess,
		Entries: []module.Entry{module.NewCheck("check", fmt.Sprintf("iteration %d", ec.Iteration), true, time.Millisecond)},
	}
}

type httpError struct{ code int }

func (e httpError) Error() string     { return fmt.Sprintf("unexpected status %d", e.code) }
func (e httpError) ErrorType() string { return "HTTP" }

type harness struct {
	orch  *Orchestrator
	store *runstore.Store
	arts  *report.ArtifactStore
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	store := runstore.New(testdb.CreateTestDB(t), log)
	arts := report.NewArtifactStore(t.TempDir())
	cfg := Config{
		Limits:        model.Limits{MaxParallelism: 32, MaxDurationSeconds: 60},
		PlatformLimit: 16,
		Version:       "test",
	}
	opts = append([]Option{WithLogger(log)}, opts...)
	return &harness{
		orch:  New(cfg, store, report.NewWriter(arts, log), arts, opts...),
		store: store,
		arts:  arts,
	}
}

func profile(parallelism, iterations int) model.Profile {
	p := model.DefaultProfile()
	p.Parallelism = parallelism
	p.Iterations = iterations
	p.TimeoutSeconds = 5
	return p
}

func TestStart_SequentialIterationsWithPause(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "scripted"}
	p := profile(1, 3)
	p.PauseMs = 200

	start := time.Now()
	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: p})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, model.StatusSuccess, rep.Status)
	assert.Equal(t, 3, rep.Iterations)
	require.Len(t, rep.Entries, 3)
	for i, e := range rep.Entries {
		assert.Equal(t, 1, e.WorkerID)
		assert.Equal(t, i+1, e.Iteration)
	}

	detail, err := h.store.GetDetail(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, detail.Run.Status)
	require.NotNil(t, detail.Run.FinishedAt)
	assert.Len(t, detail.Items, 3)
	assert.Equal(t, 3, detail.Run.Summary.Total)

	require.NotEmpty(t, detail.Artifacts)
	assert.Equal(t, string(module.ArtifactReportJSON), detail.Artifacts[len(detail.Artifacts)-1].ArtifactType)
	_, err = os.Stat(filepath.Join(h.arts.ReportsDir(), rep.RunID+".json"))
	assert.NoError(t, err)
}

func TestStart_CancelDuringIteration(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "blocking", fn: func(ctx context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	rep, err := h.orch.Start(ctx, Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 10)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, rep.Status)
	assert.LessOrEqual(t, len(rep.Entries), 1)

	run, err := h.store.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, run.Status)
	assert.Equal(t, "run canceled", run.Summary.Note)
}

func TestStart_SoftErrorMakesRunPartial(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "flaky", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		if ec.Iteration == 2 {
			return nil, httpError{code: 503}
		}
		return pass(ec), nil
	}}

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 3)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, rep.Status)
	require.Len(t, rep.Entries, 3)

	failed := rep.Entries[1]
	assert.False(t, failed.Success)
	assert.Equal(t, module.EntryFailed, failed.Status)
	assert.Equal(t, "HTTP", failed.ErrorType)
	assert.Equal(t, "unexpected status 503", failed.ErrorMessage)
	assert.Equal(t, 2, failed.Iteration)
	assert.Equal(t, 1, rep.Metrics.FailureCount)
}

func TestStart_ExactIterationCountAcrossWorkers(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	seen := map[int]int{}
	m := &scriptedModule{id: "counter", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		mu.Lock()
		seen[ec.Iteration]++
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return pass(ec), nil
	}}

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(4, 25)})
	require.NoError(t, err)

	assert.Equal(t, int64(25), m.calls.Load())
	assert.Len(t, seen, 25)
	for n := 1; n <= 25; n++ {
		assert.Equal(t, 1, seen[n], "iteration %d", n)
	}
	assert.Len(t, rep.Entries, 25)

	workers := map[int]bool{}
	for _, e := range rep.Entries {
		workers[e.WorkerID] = true
		assert.True(t, e.WorkerID >= 1 && e.WorkerID <= 4)
	}
	assert.NotEmpty(t, workers)
}

func TestStart_WorkersCappedByPlatformLimit(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.PlatformLimit = 2

	var inFlight, peak atomic.Int64
	m := &scriptedModule{id: "peak", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return pass(ec), nil
	}}

	_, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(8, 12)})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(12), m.calls.Load())
}

func TestStart_DurationModeStopsAtDeadline(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "steady"}
	p := profile(2, 0)
	p.Mode = model.ModeDuration
	p.DurationSeconds = 1
	p.PauseMs = 100

	start := time.Now()
	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: p})
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, model.StatusSuccess, rep.Status)
	assert.NotEmpty(t, rep.Entries)
}

func TestStart_DurationModeLetsInFlightIterationFinish(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "slow", fn: func(ctx context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		time.Sleep(700 * time.Millisecond)
		return pass(ec), nil
	}}
	p := profile(1, 0)
	p.Mode = model.ModeDuration
	p.DurationSeconds = 1

	start := time.Now()
	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: p})
	require.NoError(t, err)

	// The second iteration starts before the deadline and runs past it.
	assert.GreaterOrEqual(t, time.Since(start), 1400*time.Millisecond)
	assert.Equal(t, model.StatusSuccess, rep.Status)
	assert.Equal(t, int64(2), m.calls.Load())
	require.Len(t, rep.Entries, 2)
	deadline := start.Add(time.Duration(p.DurationSeconds) * time.Second)
	for _, e := range rep.Entries {
		assert.True(t, e.StartedAt.Before(deadline), "iteration %d started at %s, deadline %s", e.Iteration, e.StartedAt, deadline)
	}
}

func TestStart_LastIterationSkipsPause(t *testing.T) {
	tests := []struct {
		name        string
		parallelism int
		iterations  int
	}{
		{"single worker", 1, 1},
		{"one iteration per worker", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := profile(tt.parallelism, tt.iterations)
			p.PauseMs = 1000

			start := time.Now()
			m := &scriptedModule{id: "quick", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
				time.Sleep(100 * time.Millisecond)
				return pass(ec), nil
			}}
			rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: p})
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 600*time.Millisecond)
			assert.Len(t, rep.Entries, tt.iterations)
		})
	}
}

func TestStart_ModuleVerdictIsHonored(t *testing.T) {
	tests := []struct {
		name          string
		result        func(ec *module.ExecutionContext) *module.Result
		wantStatus    model.RunStatus
		wantEntries   int
		wantErrorType string
	}{
		{
			name:          "failed without entries",
			result:        func(*module.ExecutionContext) *module.Result { return &module.Result{Status: module.StatusFailed} },
			wantStatus:    model.StatusFailed,
			wantEntries:   2,
			wantErrorType: ErrorTypeVerdict,
		},
		{
			name: "partial with only passing entries",
			result: func(ec *module.ExecutionContext) *module.Result {
				res := pass(ec)
				res.Status = module.StatusPartial
				return res
			},
			wantStatus:    model.StatusPartial,
			wantEntries:   4,
			wantErrorType: ErrorTypeVerdict,
		},
		{
			name: "failed with its own failing entry",
			result: func(*module.ExecutionContext) *module.Result {
				return &module.Result{Status: module.StatusFailed, Entries: []module.Entry{
					module.NewCheck("login", "login form", false, time.Millisecond),
				}}
			},
			wantStatus:  model.StatusFailed,
			wantEntries: 2,
		},
		{
			name:          "no result and no error",
			result:        func(*module.ExecutionContext) *module.Result { return nil },
			wantStatus:    model.StatusFailed,
			wantEntries:   2,
			wantErrorType: ErrorTypeNoResult,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			m := &scriptedModule{id: "verdict", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
				return tt.result(ec), nil
			}}

			rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 2)})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rep.Status)
			require.Len(t, rep.Entries, tt.wantEntries)

			var types []string
			for _, e := range rep.Entries {
				if !e.Success {
					types = append(types, e.ErrorType)
				}
			}
			if tt.wantErrorType != "" {
				assert.Equal(t, []string{tt.wantErrorType, tt.wantErrorType}, types)
			} else {
				assert.NotContains(t, types, ErrorTypeVerdict)
			}
		})
	}
}

func TestStart_AbortFailsRunWithSingleAbortEntry(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "fatal", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		if ec.Iteration >= 3 {
			return nil, module.Abort("target unreachable")
		}
		return pass(ec), nil
	}}

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(2, 50)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rep.Status)
	assert.Contains(t, rep.AbortMessage, "target unreachable")
	assert.Less(t, m.calls.Load(), int64(50))

	aborted := 0
	for _, e := range rep.Entries {
		if e.Status == module.EntryAborted {
			aborted++
			assert.Equal(t, ErrorTypeAbort, e.ErrorType)
		}
	}
	assert.Equal(t, 1, aborted)

	run, err := h.store.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Contains(t, run.Summary.AbortMessage, "target unreachable")
}

func TestStart_IterationTimeoutIsSoft(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "slow", fn: func(ctx context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		if ec.Iteration == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return pass(ec), nil
	}}
	p := profile(1, 2)
	p.TimeoutSeconds = 1

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: p})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, rep.Status)
	require.Len(t, rep.Entries, 2)
	assert.Equal(t, module.EntryTimeout, rep.Entries[0].Status)
	assert.Equal(t, ErrorTypeTimeout, rep.Entries[0].ErrorType)
	assert.True(t, rep.Entries[1].Success)
}

func TestStart_PanicIsSoft(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "panicky", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		if ec.Iteration == 1 {
			panic("nil selector")
		}
		return pass(ec), nil
	}}

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 2)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, rep.Status)
	require.Len(t, rep.Entries, 2)
	assert.Equal(t, ErrorTypePanic, rep.Entries[0].ErrorType)
	assert.Contains(t, rep.Entries[0].ErrorMessage, "nil selector")
}

func TestStart_ValidationFailureCreatesNoRun(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "scripted"}
	p := profile(0, 3)

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{not json`), Profile: p})
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, model.StatusFailed, rep.Status)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, "ValidationError", rep.Entries[0].ErrorType)
	assert.Contains(t, rep.Entries[0].ErrorMessage, "settings must be valid JSON")
	assert.Contains(t, rep.Entries[0].ErrorMessage, "parallelism must be greater than 0")
	assert.Zero(t, m.calls.Load())

	runs, err := h.store.Query(context.Background(), runstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = h.store.GetRun(context.Background(), rep.RunID)
	assert.True(t, errors.IsNotFoundError(err))
}

// failingStore fails UpdateRun while delegating everything else.
type failingStore struct {
	*runstore.Store
}

func (f failingStore) UpdateRun(context.Context, string, model.RunStatus, time.Time, model.Summary) error {
	return errors.New("disk I/O error")
}

func TestStart_PersistenceFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.orch.store = failingStore{h.store}

	rep, err := h.orch.Start(context.Background(), Request{Module: &scriptedModule{id: "scripted"}, Settings: json.RawMessage(`{}`), Profile: profile(1, 1)})
	require.Error(t, err)
	assert.True(t, errors.IsPersistenceError(err))
	require.NotNil(t, rep)
	assert.Equal(t, model.StatusSuccess, rep.Status)

	run, err := h.store.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, run.Status)
}

func TestStart_PreflightFailureSkipsMainLoop(t *testing.T) {
	h := newHarness(t)
	main := &scriptedModule{id: "main"}
	pre := &scriptedModule{id: "pre", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		return &module.Result{Status: module.StatusFailed, Entries: []module.Entry{
			module.NewCheck("login", "login page reachable", false, time.Millisecond),
		}}, nil
	}}
	p := profile(1, 3)
	p.PreflightEnabled = true

	rep, err := h.orch.Start(context.Background(), Request{
		Module: main, Settings: json.RawMessage(`{}`), Profile: p,
		Preflight: &Preflight{Module: pre, Settings: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rep.Status)
	assert.Zero(t, main.calls.Load())
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, true, rep.Entries[0].Extra["preflight"])
	assert.Equal(t, 0, rep.Entries[0].WorkerID)
	assert.Equal(t, 0, rep.Entries[0].Iteration)

	run, err := h.store.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, "preflight failed", run.Summary.Note)
}

func TestStart_PreflightSuccessRunsMainLoop(t *testing.T) {
	h := newHarness(t)
	main := &scriptedModule{id: "main"}
	pre := &scriptedModule{id: "pre"}
	p := profile(1, 2)
	p.PreflightEnabled = true

	rep, err := h.orch.Start(context.Background(), Request{
		Module: main, Settings: json.RawMessage(`{}`), Profile: p,
		Preflight: &Preflight{Module: pre, Settings: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rep.Status)
	assert.Equal(t, int64(1), pre.calls.Load())
	assert.Equal(t, int64(2), main.calls.Load())
	assert.Len(t, rep.Entries, 3)
}

func TestStart_PreflightFailedVerdictSkipsMainLoop(t *testing.T) {
	tests := []struct {
		name   string
		result *module.Result
	}{
		{"failed verdict without entries", &module.Result{Status: module.StatusFailed}},
		{"no result", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			main := &scriptedModule{id: "main"}
			pre := &scriptedModule{id: "pre", fn: func(context.Context, json.RawMessage, *module.ExecutionContext) (*module.Result, error) {
				return tt.result, nil
			}}
			p := profile(1, 2)
			p.PreflightEnabled = true

			rep, err := h.orch.Start(context.Background(), Request{
				Module: main, Settings: json.RawMessage(`{}`), Profile: p,
				Preflight: &Preflight{Module: pre, Settings: json.RawMessage(`{}`)},
			})
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, rep.Status)
			assert.Zero(t, main.calls.Load())
			require.Len(t, rep.Entries, 1)
			assert.False(t, rep.Entries[0].Success)
		})
	}
}

func TestStart_RequestStopResolvesStopped(t *testing.T) {
	h := newHarness(t)
	m := &scriptedModule{id: "stopper"}
	m.fn = func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		h.orch.RequestStop()
		return pass(ec), nil
	}

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 100)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, rep.Status)
	assert.True(t, rep.StopRequested)
	assert.Len(t, rep.Entries, 1)
	assert.True(t, h.orch.Stats().StopRequested)
}

func TestStart_ConcurrentStartConflicts(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := &scriptedModule{id: "gate", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		once.Do(func() { close(entered) })
		<-release
		return pass(ec), nil
	}}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 1)})
		done <- err
	}()
	<-entered
	assert.Equal(t, model.StageRunning, h.orch.Stage())

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 1)})
	assert.Nil(t, rep)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, model.StageDone, h.orch.Stage())
}

type recordingNotifier struct {
	mu         sync.Mutex
	starts     int
	progress   int
	completion []*model.Report
	errs       []error
}

func (n *recordingNotifier) NotifyStart(context.Context, string, string, model.Profile) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts++
}

func (n *recordingNotifier) NotifyProgress(context.Context, string, int, int, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress++
}

func (n *recordingNotifier) NotifyCompletion(_ context.Context, r *model.Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completion = append(n.completion, r)
}

func (n *recordingNotifier) NotifyRunError(_ context.Context, _ string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func TestStart_ObserversAndNotifier(t *testing.T) {
	notifier := &recordingNotifier{}
	var mu sync.Mutex
	var stages []model.Stage
	var progress []int
	var finished *model.Report
	obs := ObserverFuncs{
		Stage: func(_ string, s model.Stage) {
			mu.Lock()
			defer mu.Unlock()
			stages = append(stages, s)
		},
		Progress: func(_ string, completed, total int, _ string) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 3, total)
			progress = append(progress, completed)
		},
		Finished: func(r *model.Report) { finished = r },
	}
	h := newHarness(t, WithNotifier(notifier), WithObserver(obs))

	p := profile(1, 3)
	p.TelegramEnabled = true
	rep, err := h.orch.Start(context.Background(), Request{Module: &scriptedModule{id: "scripted"}, Settings: json.RawMessage(`{}`), Profile: p})
	require.NoError(t, err)

	assert.Equal(t, []model.Stage{model.StageRunning, model.StageSaving, model.StageDone}, stages)
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Same(t, rep, finished)
	assert.Equal(t, 1, notifier.starts)
	assert.Equal(t, 3, notifier.progress)
	require.Len(t, notifier.completion, 1)
	assert.Empty(t, notifier.errs)
}

// slowNotifier delays progress delivery and records how many progress
// notifications had arrived when completion was sent.
type slowNotifier struct {
	recordingNotifier
	delay              time.Duration
	progressAtComplete int
}

func (n *slowNotifier) NotifyProgress(ctx context.Context, runID string, completed, total int, msg string) {
	time.Sleep(n.delay)
	n.recordingNotifier.NotifyProgress(ctx, runID, completed, total, msg)
}

func (n *slowNotifier) NotifyCompletion(ctx context.Context, r *model.Report) {
	n.mu.Lock()
	n.progressAtComplete = n.progress
	n.mu.Unlock()
	n.recordingNotifier.NotifyCompletion(ctx, r)
}

func TestStart_SlowProgressNotifierDoesNotStallWorkers(t *testing.T) {
	notifier := &slowNotifier{delay: 300 * time.Millisecond}
	h := newHarness(t, WithNotifier(notifier))

	var mu sync.Mutex
	var starts []time.Time
	m := &scriptedModule{id: "scripted", fn: func(_ context.Context, _ json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return pass(ec), nil
	}}
	p := profile(1, 3)
	p.TelegramEnabled = true

	rep, err := h.orch.Start(context.Background(), Request{Module: m, Settings: json.RawMessage(`{}`), Profile: p})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rep.Status)

	require.Len(t, starts, 3)
	assert.Less(t, starts[2].Sub(starts[0]), 300*time.Millisecond)
	require.Len(t, notifier.completion, 1)
	assert.Equal(t, 3, notifier.progressAtComplete)
}

func TestStart_NotifierSkippedWhenProfileDisables(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newHarness(t, WithNotifier(notifier))

	_, err := h.orch.Start(context.Background(), Request{Module: &scriptedModule{id: "scripted"}, Settings: json.RawMessage(`{}`), Profile: profile(1, 2)})
	require.NoError(t, err)
	assert.Zero(t, notifier.starts)
	assert.Zero(t, notifier.progress)
	assert.Empty(t, notifier.completion)
}

func TestReplay_ReusesStoredCaseAndProfile(t *testing.T) {
	reg := module.NewRegistry()
	var mu sync.Mutex
	var settings []string
	m := &scriptedModule{id: "replayable", fn: func(_ context.Context, s json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
		mu.Lock()
		settings = append(settings, string(s))
		mu.Unlock()
		return pass(ec), nil
	}}
	reg.Register(m)

	h := newHarness(t)
	h.orch.history = h.store
	h.orch.registry = reg
	ctx := context.Background()

	v, err := h.store.SaveVersion(ctx, "homepage", "", m.ID(), json.RawMessage(`{"url":"https://example.com"}`), "initial")
	require.NoError(t, err)
	caseID, version := v.TestCaseID, v.VersionNumber

	first, err := h.orch.Start(ctx, Request{
		Module: m, Settings: v.PayloadJSON, Profile: profile(1, 2),
		TestName: "homepage", TestCaseID: &caseID, TestCaseVersion: &version,
	})
	require.NoError(t, err)

	second, err := h.orch.Replay(ctx, first.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, model.StatusSuccess, second.Status)
	assert.Equal(t, "homepage", second.TestName)
	require.NotNil(t, second.TestCaseVersion)
	assert.Equal(t, 1, *second.TestCaseVersion)
	assert.Equal(t, first.Profile.Iterations, second.Profile.Iterations)
	assert.Len(t, settings, 4)
	for _, s := range settings {
		assert.JSONEq(t, `{"url":"https://example.com"}`, s)
	}
}

func TestReplay_WarnsWhenPreflightCannotBeReplayed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reg := module.NewRegistry()
	m := &scriptedModule{id: "replayable"}
	pre := &scriptedModule{id: "pre"}
	reg.Register(m)

	h := newHarness(t, WithLogger(zap.New(core).Sugar()))
	h.orch.history = h.store
	h.orch.registry = reg
	ctx := context.Background()

	v, err := h.store.SaveVersion(ctx, "login", "", m.ID(), json.RawMessage(`{}`), "initial")
	require.NoError(t, err)
	caseID, version := v.TestCaseID, v.VersionNumber
	p := profile(1, 1)
	p.PreflightEnabled = true

	first, err := h.orch.Start(ctx, Request{
		Module: m, Settings: v.PayloadJSON, Profile: p,
		TestCaseID: &caseID, TestCaseVersion: &version,
		Preflight: &Preflight{Module: pre, Settings: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pre.calls.Load())
	assert.Zero(t, logs.FilterMessageSnippet("without preflight").Len())

	_, err = h.orch.Replay(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pre.calls.Load())
	assert.Equal(t, 1, logs.FilterMessageSnippet("without preflight").Len())
}

func TestReplay_Rejections(t *testing.T) {
	reg := module.NewRegistry()
	m := &scriptedModule{id: "adhoc"}
	reg.Register(m)

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Replay(ctx, "missing")
	assert.True(t, errors.IsInvalidRequestError(err), "replay without history")

	h.orch.history = h.store
	h.orch.registry = reg

	_, err = h.orch.Replay(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	rep, err := h.orch.Start(ctx, Request{Module: m, Settings: json.RawMessage(`{}`), Profile: profile(1, 1)})
	require.NoError(t, err)
	_, err = h.orch.Replay(ctx, rep.RunID)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestResolveStatus(t *testing.T) {
	ok := module.NewCheck("a", "a", true, time.Millisecond)
	bad := module.NewCheck("b", "b", false, time.Millisecond)

	tests := []struct {
		name     string
		canceled bool
		hard     bool
		stop     bool
		entries  []module.Entry
		want     model.RunStatus
	}{
		{"no results", false, false, false, nil, model.StatusSuccess},
		{"all passed", false, false, false, []module.Entry{ok, ok}, model.StatusSuccess},
		{"some failed", false, false, false, []module.Entry{ok, bad}, model.StatusPartial},
		{"all failed", false, false, false, []module.Entry{bad, bad}, model.StatusFailed},
		{"stop with passes", false, false, true, []module.Entry{ok}, model.StatusStopped},
		{"stop with no results", false, false, true, nil, model.StatusStopped},
		{"stop with failures", false, false, true, []module.Entry{ok, bad}, model.StatusPartial},
		{"hard failure beats passes", false, true, false, []module.Entry{ok}, model.StatusFailed},
		{"cancel beats hard failure", true, true, true, []module.Entry{bad}, model.StatusCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveStatus(tt.canceled, tt.hard, tt.stop, tt.entries))
		})
	}
}
