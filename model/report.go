// Package model holds the run domain types shared by the orchestrator, the
// run store, the report writers and the notification policy.
package model

import (
	"time"

	"github.com/teranos/checkrun/metrics"
	"github.com/teranos/checkrun/module"
)

// Report is the aggregate returned for every run, however it ended.
type Report struct {
	RunID           string            `json:"run_id"`
	ModuleID        string            `json:"module_id"`
	ModuleName      string            `json:"module_name"`
	Family          module.Family     `json:"family"`
	TestName        string            `json:"test_name,omitempty"`
	TestCaseID      *int64            `json:"test_case_id,omitempty"`
	TestCaseVersion *int              `json:"test_case_version,omitempty"`
	Profile         Profile           `json:"profile"`
	Status          RunStatus         `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	DurationMs      float64           `json:"duration_ms"`
	Iterations      int               `json:"iterations"`
	StopRequested   bool              `json:"stop_requested,omitempty"`
	AbortMessage    string            `json:"abort_message,omitempty"`
	Entries         []module.Entry    `json:"entries"`
	Metrics         metrics.Summary   `json:"metrics"`
	Artifacts       []module.Artifact `json:"artifacts"`
	CheckrunVersion string            `json:"checkrun_version,omitempty"`
}

// Summary is the lightweight, persisted digest of a finished run.
type Summary struct {
	Total        int                  `json:"total"`
	Passed       int                  `json:"passed"`
	Failed       int                  `json:"failed"`
	Iterations   int                  `json:"iterations"`
	DurationMs   float64              `json:"duration_ms"`
	AvgMs        float64              `json:"avg_ms"`
	P50Ms        float64              `json:"p50_ms"`
	P90Ms        float64              `json:"p90_ms"`
	P95Ms        float64              `json:"p95_ms"`
	P99Ms        float64              `json:"p99_ms"`
	Errors       []metrics.ErrorCount `json:"errors,omitempty"`
	AbortMessage string               `json:"abort_message,omitempty"`
	Note         string               `json:"note,omitempty"`
}

// Summary digests the report for the run header.
func (r *Report) Summary() Summary {
	return Summary{
		Total:        r.Metrics.Count,
		Passed:       r.Metrics.SuccessCount,
		Failed:       r.Metrics.FailureCount,
		Iterations:   r.Iterations,
		DurationMs:   r.DurationMs,
		AvgMs:        r.Metrics.AvgMs,
		P50Ms:        r.Metrics.P50Ms,
		P90Ms:        r.Metrics.P90Ms,
		P95Ms:        r.Metrics.P95Ms,
		P99Ms:        r.Metrics.P99Ms,
		Errors:       r.Metrics.ErrorBreakdown,
		AbortMessage: r.AbortMessage,
	}
}
