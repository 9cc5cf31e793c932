package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/checkrun/display"
	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/metrics"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/orchestrator"
	"github.com/teranos/checkrun/report"
	"github.com/teranos/checkrun/runstore"
	"github.com/teranos/checkrun/sym"
	"github.com/teranos/checkrun/version"
)

// RunsCmd groups run history commands
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: sym.Runs + " List, inspect, replay and clean up runs",
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsLs,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its results and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsRmCmd = &cobra.Command{
	Use:   "rm <run-id>",
	Short: "Delete a run and everything recorded for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsRm,
}

var runsReplayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Start a new run with the module, profile and case version of a stored run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsReplay,
}

var runsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished runs older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runRunsCleanup,
}

var runsFlags struct {
	module string
	status string
	since  string
	until  string
	search string
	limit  int
	offset int
	items  bool
	days   int
}

func init() {
	f := runsLsCmd.Flags()
	f.StringVar(&runsFlags.module, "module", "", "Only runs of this module")
	f.StringVar(&runsFlags.status, "status", "", "Only runs with this status (Running, Success, Partial, Failed, Canceled, Stopped)")
	f.StringVar(&runsFlags.since, "since", "", "Only runs started at or after this time (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&runsFlags.until, "until", "", "Only runs started before this time (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&runsFlags.search, "search", "", "Substring of test name, module name or run id")
	f.IntVar(&runsFlags.limit, "limit", runstore.DefaultQueryLimit, "Maximum number of runs")
	f.IntVar(&runsFlags.offset, "offset", 0, "Skip this many runs")

	runsShowCmd.Flags().BoolVar(&runsFlags.items, "items", false, "List every result item")
	runsCleanupCmd.Flags().IntVar(&runsFlags.days, "days", 0, "Retention in days (default: runner.retention_days)")

	RunsCmd.AddCommand(runsLsCmd, runsShowCmd, runsRmCmd, runsReplayCmd, runsCleanupCmd)
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("--%s: cannot parse %q as RFC3339 or YYYY-MM-DD", name, value)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	filter := runstore.Filter{
		ModuleType: runsFlags.module,
		Search:     runsFlags.search,
		Limit:      runsFlags.limit,
		Offset:     runsFlags.offset,
	}
	if runsFlags.status != "" {
		st, ok := model.ParseRunStatus(runsFlags.status)
		if !ok {
			return errors.Newf("unknown status %q", runsFlags.status)
		}
		filter.Status = st
	}
	var err error
	if filter.Since, err = parseTimeFlag("since", runsFlags.since); err != nil {
		return err
	}
	if filter.Until, err = parseTimeFlag("until", runsFlags.until); err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(runs)
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs found")
		return nil
	}

	data := pterm.TableData{{"Run", "Started", "Module", "Test", "Status", "Results", "Failed"}}
	for _, r := range runs {
		data = append(data, []string{
			r.RunID, timeText(r.StartedAt), r.ModuleType, r.TestName, statusText(r.Status),
			strconv.Itoa(r.Total), strconv.Itoa(r.Failed),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	detail, err := a.store.GetDetail(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(detail)
	}
	run := detail.Run

	pterm.DefaultSection.Printf("Run %s", run.RunID)
	rows := pterm.TableData{
		{"Module", fmt.Sprintf("%s (%s)", run.ModuleName, run.ModuleType)},
		{"Status", statusText(run.Status)},
		{"Started", timeText(run.StartedAt)},
		{"Profile", fmt.Sprintf("%s: %d workers, %s", run.Profile.Name, run.Profile.Parallelism, budgetText(run.Profile))},
	}
	if run.FinishedAt != nil {
		rows = append(rows, []string{"Finished", timeText(*run.FinishedAt)})
	}
	if run.TestName != "" {
		test := run.TestName
		if run.TestCaseVersion != nil {
			test += fmt.Sprintf(" (v%d)", *run.TestCaseVersion)
		}
		rows = append(rows, []string{"Test", test})
	}
	if run.Summary.Note != "" {
		rows = append(rows, []string{"Note", run.Summary.Note})
	}
	if run.Summary.AbortMessage != "" {
		rows = append(rows, []string{"Aborted", run.Summary.AbortMessage})
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}

	entries := make([]module.Entry, len(detail.Items))
	for i, it := range detail.Items {
		entries[i] = it.Entry()
	}
	printMetrics(metrics.Calculate(entries, 0))

	if runsFlags.items && len(entries) > 0 {
		pterm.Println()
		printEntries(entries)
	}
	if len(detail.Artifacts) > 0 {
		pterm.Println()
		pterm.Info.Println("Artifacts:")
		for _, art := range detail.Artifacts {
			pterm.Printfln("  %-12s %s", art.ArtifactType, a.artifacts.Abs(art.RelativePath))
		}
	}
	return nil
}

func budgetText(p model.Profile) string {
	if p.Mode == model.ModeDuration {
		return fmt.Sprintf("%ds", p.DurationSeconds)
	}
	return fmt.Sprintf("%d iterations", p.Iterations)
}

func runRunsRm(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteRun(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted run %s", args[0])
	return nil
}

func runRunsReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	orch := orchestrator.New(orchestrator.Config{
		Limits: model.Limits{
			MaxParallelism:     a.cfg.GetMaxParallelism(),
			MaxDurationSeconds: a.cfg.GetMaxDurationSeconds(),
		},
		PlatformLimit: a.cfg.Runner.PlatformLimit,
		Version:       version.Get().Stamp(),
	}, a.store, report.NewWriter(a.artifacts, logger.ComponentLogger("report")), a.artifacts,
		orchestrator.WithLogger(logger.ComponentLogger("orchestrator")),
		orchestrator.WithHistory(a.store, a.registry))

	spinner, _ := pterm.DefaultSpinner.Start("Replaying run " + args[0])
	rep, err := orch.Replay(ctx, args[0])
	if spinner != nil {
		_ = spinner.Stop()
	}
	if rep != nil {
		printReport(rep, a.artifacts)
	}
	return err
}

func runRunsCleanup(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	days := runsFlags.days
	if days == 0 {
		days = a.cfg.Runner.RetentionDays
	}
	if days <= 0 {
		pterm.Info.Println("Retention is unlimited (runner.retention_days = 0); nothing to clean up")
		return nil
	}

	n, err := a.store.CleanupOldRuns(cmd.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted %d runs older than %d days", n, days)
	return nil
}
