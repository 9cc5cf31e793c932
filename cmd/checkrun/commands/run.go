package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/checkrun/am"
	"github.com/teranos/checkrun/display"
	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/notify"
	"github.com/teranos/checkrun/orchestrator"
	"github.com/teranos/checkrun/report"
	"github.com/teranos/checkrun/runstore"
	"github.com/teranos/checkrun/sym"
	"github.com/teranos/checkrun/version"
)

// RunCmd executes one run
var RunCmd = &cobra.Command{
	Use:   "run <module>",
	Short: sym.Run + " Execute a check module under a run profile",
	Long: sym.Run + ` run - Execute a check module under a run profile

The profile comes from --profile (id or name) or the built-in default, with
any budget flags applied on top. Settings come from --settings (JSON or YAML),
from the current version of --case, or from the module defaults. Passing both
--case and --settings saves the settings as a new case version first.

Interrupt (Ctrl-C) cancels the run; in-flight iterations are discarded and the
run is recorded as Canceled.

Examples:
  checkrun run http_probe --settings probe.yaml --iterations 50 --parallelism 5
  checkrun run tcp_connect --case db-port --duration 300 --pause-ms 1000
  checkrun run http_probe --case login --preflight dns_lookup --preflight-settings dns.json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var runFlags struct {
	settings          string
	profile           string
	iterations        int
	duration          int
	parallelism       int
	timeout           int
	pauseMs           int
	html              bool
	notify            bool
	caseName          string
	note              string
	preflight         string
	preflightSettings string
	watchConfig       bool
}

func init() {
	f := RunCmd.Flags()
	f.StringVar(&runFlags.settings, "settings", "", "Settings file (JSON or YAML)")
	f.StringVar(&runFlags.profile, "profile", "", "Saved profile id or name")
	f.IntVar(&runFlags.iterations, "iterations", 0, "Run this many iterations (Iterations mode)")
	f.IntVar(&runFlags.duration, "duration", 0, "Run for this many seconds (Duration mode)")
	f.IntVar(&runFlags.parallelism, "parallelism", 0, "Number of concurrent workers")
	f.IntVar(&runFlags.timeout, "timeout", 0, "Per-iteration timeout in seconds")
	f.IntVar(&runFlags.pauseMs, "pause-ms", 0, "Pause between a worker's iterations in milliseconds")
	f.BoolVar(&runFlags.html, "html", false, "Also write an HTML report")
	f.BoolVar(&runFlags.notify, "notify", false, "Send Telegram notifications for this run")
	f.StringVar(&runFlags.caseName, "case", "", "Test case name to run (and version with --settings)")
	f.StringVar(&runFlags.note, "note", "", "Change note when --case and --settings save a new version")
	f.StringVar(&runFlags.preflight, "preflight", "", "Module to run once before the main loop")
	f.StringVar(&runFlags.preflightSettings, "preflight-settings", "", "Settings file for the preflight module")
	f.BoolVar(&runFlags.watchConfig, "watch-config", false, "Apply notification config changes while the run is in progress")
	RunCmd.MarkFlagsMutuallyExclusive("iterations", "duration")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.registry.Get(args[0])
	if err != nil {
		return errors.WithHint(err, "run 'checkrun modules ls' to see available modules")
	}

	profile, err := resolveProfile(ctx, a, cmd)
	if err != nil {
		return err
	}

	req := orchestrator.Request{Module: m, Profile: profile}
	if err := resolveSettings(ctx, a, m, &req); err != nil {
		return err
	}
	if runFlags.preflight != "" {
		pm, err := a.registry.Get(runFlags.preflight)
		if err != nil {
			return errors.Wrap(err, "preflight module")
		}
		settings := pm.CreateDefaultSettings()
		if runFlags.preflightSettings != "" {
			if settings, err = readSettings(runFlags.preflightSettings); err != nil {
				return err
			}
		}
		req.Preflight = &orchestrator.Preflight{Module: pm, Settings: settings}
		req.Profile.PreflightEnabled = true
	}

	log := logger.ComponentLogger("orchestrator")
	opts := []orchestrator.Option{orchestrator.WithLogger(log)}

	var notifier *notify.Notifier
	if a.cfg.Notify.Telegram.Enabled {
		notifier = notify.NewFromConfig(a.cfg.Notify.Telegram,
			notify.WithRecorder(a.store),
			notify.WithLogger(logger.ComponentLogger("notify")))
		opts = append(opts, orchestrator.WithNotifier(notifier))
	} else if req.Profile.TelegramEnabled {
		pterm.Warning.Println("Notifications requested but notify.telegram.enabled is false in config")
	}

	if runFlags.watchConfig {
		if w := watchConfig(notifier); w != nil {
			defer w.Stop()
		}
	}

	progress := newProgressView(req.Profile)
	opts = append(opts, orchestrator.WithObserver(progress))

	orch := orchestrator.New(orchestrator.Config{
		Limits: model.Limits{
			MaxParallelism:     a.cfg.GetMaxParallelism(),
			MaxDurationSeconds: a.cfg.GetMaxDurationSeconds(),
		},
		PlatformLimit: a.cfg.Runner.PlatformLimit,
		Version:       version.Get().Stamp(),
	}, a.store, report.NewWriter(a.artifacts, logger.ComponentLogger("report")), a.artifacts, opts...)

	rep, err := orch.Start(ctx, req)
	progress.close(rep)
	if rep != nil {
		if display.ShouldOutputJSON(cmd) {
			if jerr := display.OutputJSON(rep); jerr != nil {
				return jerr
			}
		} else {
			printReport(rep, a.artifacts)
		}
	}
	if err != nil {
		return err
	}
	if notifier != nil {
		st := notifier.Status()
		logger.Debugw("Notification totals", "sent", st.Sent, "suppressed", st.Suppressed, "failed", st.Failed)
	}
	if rep.Status != model.StatusSuccess && rep.Status != model.StatusStopped {
		return errors.Newf("run %s finished %s", rep.RunID, rep.Status)
	}
	return nil
}

// resolveProfile loads --profile (or the default) and applies budget flags.
func resolveProfile(ctx context.Context, a *app, cmd *cobra.Command) (model.Profile, error) {
	p := model.DefaultProfile()
	if runFlags.profile != "" {
		saved, err := a.store.GetProfile(ctx, runFlags.profile)
		if errors.IsNotFoundError(err) {
			saved, err = a.store.FindProfile(ctx, runFlags.profile)
		}
		if err != nil {
			return p, errors.Wrapf(err, "failed to load profile %s", runFlags.profile)
		}
		p = *saved
	}

	flags := cmd.Flags()
	if flags.Changed("iterations") {
		p.Mode = model.ModeIterations
		p.Iterations = runFlags.iterations
	}
	if flags.Changed("duration") {
		p.Mode = model.ModeDuration
		p.DurationSeconds = runFlags.duration
	}
	if flags.Changed("parallelism") {
		p.Parallelism = runFlags.parallelism
	}
	if flags.Changed("timeout") {
		p.TimeoutSeconds = runFlags.timeout
	}
	if flags.Changed("pause-ms") {
		p.PauseMs = runFlags.pauseMs
	}
	if flags.Changed("html") {
		p.HTMLReportEnabled = runFlags.html
	}
	if flags.Changed("notify") {
		p.TelegramEnabled = runFlags.notify
	}
	return p, nil
}

// resolveSettings fills Settings and the test case reference on req.
func resolveSettings(ctx context.Context, a *app, m module.Module, req *orchestrator.Request) error {
	var settings json.RawMessage
	if runFlags.settings != "" {
		var err error
		if settings, err = readSettings(runFlags.settings); err != nil {
			return err
		}
	}

	if runFlags.caseName == "" {
		if settings == nil {
			settings = m.CreateDefaultSettings()
		}
		req.Settings = settings
		return nil
	}

	var v *runstore.TestCaseVersion
	if settings != nil {
		note := runFlags.note
		if note == "" {
			note = "saved by checkrun run"
		}
		saved, err := a.store.SaveVersion(ctx, runFlags.caseName, "", m.ID(), settings, note)
		if err != nil {
			return errors.Wrapf(err, "failed to save case %s", runFlags.caseName)
		}
		v = saved
	} else {
		tc, err := a.store.FindTestCase(ctx, runFlags.caseName, m.ID())
		if err != nil {
			return errors.Wrapf(err, "failed to find case %s for module %s", runFlags.caseName, m.ID())
		}
		if v, err = a.store.GetVersion(ctx, tc.ID, 0); err != nil {
			return err
		}
	}

	caseID, number := v.TestCaseID, v.VersionNumber
	req.Settings = v.PayloadJSON
	req.TestName = runFlags.caseName
	req.TestCaseID = &caseID
	req.TestCaseVersion = &number
	return nil
}

// watchConfig pushes reloaded notification settings into the live notifier.
func watchConfig(n *notify.Notifier) *am.ConfigWatcher {
	path := am.ActiveConfigPath()
	if path == "" {
		pterm.Warning.Println("--watch-config: no config file found, nothing to watch")
		return nil
	}
	w, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Failed to watch config", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	w.OnReload(func(cfg *am.Config) error {
		if n != nil {
			n.UpdateConfig(cfg.Notify.Telegram)
		}
		logger.Infow("Configuration reloaded", logger.FieldPath, path)
		return nil
	})
	w.Start()
	return w
}

// progressView renders orchestrator events with pterm: a progress bar when
// the iteration count is known, otherwise a spinner.
type progressView struct {
	mu      sync.Mutex
	bar     *pterm.ProgressbarPrinter
	spinner *pterm.SpinnerPrinter
	done    int
}

func newProgressView(p model.Profile) *progressView {
	v := &progressView{}
	if total := p.TotalIterations(); total > 0 {
		v.bar, _ = pterm.DefaultProgressbar.WithTotal(total).WithTitle("Running").Start()
	} else {
		v.spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Running for %ds", p.DurationSeconds))
	}
	return v
}

func (v *progressView) OnStage(_ string, stage model.Stage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bar != nil {
		v.bar.UpdateTitle(string(stage))
	}
	if v.spinner != nil {
		v.spinner.UpdateText(fmt.Sprintf("%s (%d done)", stage, v.done))
	}
}

func (v *progressView) OnProgress(_ string, completed, _ int, _ string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.done = completed
	if v.bar != nil {
		v.bar.Increment()
	}
	if v.spinner != nil {
		v.spinner.UpdateText(fmt.Sprintf("Running (%d done)", completed))
	}
}

func (v *progressView) OnFinished(*model.Report) {}

func (v *progressView) close(rep *model.Report) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bar != nil {
		_, _ = v.bar.Stop()
		v.bar = nil
	}
	if v.spinner != nil {
		if rep != nil && rep.Status == model.StatusSuccess {
			v.spinner.Success(fmt.Sprintf("%d iterations done", v.done))
		} else {
			_ = v.spinner.Stop()
		}
		v.spinner = nil
	}
}
