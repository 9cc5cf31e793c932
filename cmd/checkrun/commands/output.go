package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/checkrun/metrics"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/report"
	"github.com/teranos/checkrun/sym"
)

func statusText(s model.RunStatus) string {
	label := sym.ForStatus(string(s)) + " " + string(s)
	switch s {
	case model.StatusSuccess:
		return pterm.FgGreen.Sprint(label)
	case model.StatusPartial, model.StatusStopped:
		return pterm.FgYellow.Sprint(label)
	case model.StatusFailed:
		return pterm.FgRed.Sprint(label)
	default:
		return pterm.FgGray.Sprint(label)
	}
}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + " ms"
}

func timeText(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printReport(rep *model.Report, arts *report.ArtifactStore) {
	pterm.Println()
	pterm.DefaultSection.Printf("Run %s", rep.RunID)

	rows := pterm.TableData{
		{"Module", fmt.Sprintf("%s (%s)", rep.ModuleName, rep.ModuleID)},
		{"Status", statusText(rep.Status)},
		{"Started", timeText(rep.StartedAt)},
		{"Duration", ms(rep.DurationMs)},
		{"Iterations", strconv.Itoa(rep.Iterations)},
	}
	if rep.TestName != "" {
		rows = append(rows, []string{"Test", rep.TestName})
	}
	if rep.AbortMessage != "" {
		rows = append(rows, []string{"Aborted", rep.AbortMessage})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	printMetrics(rep.Metrics)

	if len(rep.Artifacts) > 0 {
		pterm.Println()
		pterm.Info.Println("Artifacts:")
		for _, a := range rep.Artifacts {
			pterm.Printfln("  %-12s %s", a.Type, arts.Abs(a.Path))
		}
	}
}

func printMetrics(m metrics.Summary) {
	pterm.Println()
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Results", "Passed", "Failed", "Rate", "Avg", "P50", "P90", "P95", "P99"},
		{
			strconv.Itoa(m.Count), strconv.Itoa(m.SuccessCount), strconv.Itoa(m.FailureCount),
			fmt.Sprintf("%.1f%%", m.SuccessRate*100),
			ms(m.AvgMs), ms(m.P50Ms), ms(m.P90Ms), ms(m.P95Ms), ms(m.P99Ms),
		},
	}).Render()

	if len(m.ErrorBreakdown) > 0 {
		pterm.Println()
		data := pterm.TableData{{"Error", "Count"}}
		for _, e := range m.ErrorBreakdown {
			data = append(data, []string{e.Label, strconv.Itoa(e.Count)})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}
}

func printEntries(entries []module.Entry) {
	data := pterm.TableData{{"W", "It", "Kind", "Key", "Name", "Status", "Duration", "Error"}}
	for _, e := range entries {
		errText := e.ErrorMessage
		if e.ErrorType != "" {
			errText = e.ErrorType + ": " + errText
		}
		data = append(data, []string{
			strconv.Itoa(e.WorkerID), strconv.Itoa(e.Iteration), string(e.Kind),
			e.Key, e.Name, e.Status, ms(e.DurationMs), errText,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
