package module

import (
	"time"
)

// ResultStatus is the module's own verdict on one invocation.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusPartial ResultStatus = "partial"
)

// Kind distinguishes the result entry variants.
type Kind string

const (
	KindCheck  Kind = "check"  // generic pass/fail check
	KindStep   Kind = "step"   // one step of a scripted scenario
	KindProbe  Kind = "probe"  // network probe against a target
	KindTiming Kind = "timing" // a measured duration with no verdict of its own
)

// Entry statuses written to run items.
const (
	EntryPassed  = "passed"
	EntryFailed  = "failed"
	EntryTimeout = "timeout"
	EntryAborted = "aborted"
)

// Entry is one result row. WorkerID and Iteration are stamped by the
// orchestrator; modules leave them zero.
type Entry struct {
	Kind         Kind           `json:"kind"`
	Key          string         `json:"key"`
	Name         string         `json:"name,omitempty"`
	Success      bool           `json:"success"`
	Status       string         `json:"status"`
	DurationMs   float64        `json:"duration_ms"`
	WorkerID     int            `json:"worker_id"`
	Iteration    int            `json:"iteration"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	Extra        map[string]any `json:"extra,omitempty"`
}

func newEntry(kind Kind, key, name string, success bool, d time.Duration) Entry {
	status := EntryPassed
	if !success {
		status = EntryFailed
	}
	return Entry{
		Kind:       kind,
		Key:        key,
		Name:       name,
		Success:    success,
		Status:     status,
		DurationMs: DurationMs(d),
		StartedAt:  time.Now().UTC().Add(-d),
	}
}

// NewCheck builds a generic check entry.
func NewCheck(key, name string, success bool, d time.Duration) Entry {
	return newEntry(KindCheck, key, name, success, d)
}

// NewStep builds a scenario step entry.
func NewStep(key, name string, success bool, d time.Duration) Entry {
	return newEntry(KindStep, key, name, success, d)
}

// NewProbe builds a probe entry; target is recorded in Extra.
func NewProbe(key, target string, success bool, d time.Duration) Entry {
	e := newEntry(KindProbe, key, target, success, d)
	e.Extra = map[string]any{"target": target}
	return e
}

// NewTiming builds a timing entry. Timings always count as successful.
func NewTiming(key string, d time.Duration) Entry {
	return newEntry(KindTiming, key, key, true, d)
}

// WithError marks the entry failed and records the error type and message.
func (e Entry) WithError(err error) Entry {
	if err == nil {
		return e
	}
	e.Success = false
	if e.Status == EntryPassed || e.Status == "" {
		e.Status = EntryFailed
	}
	e.ErrorType = ErrorTypeOf(err)
	e.ErrorMessage = err.Error()
	return e
}

// With returns a copy of the entry with an extra field set.
func (e Entry) With(key string, value any) Entry {
	extra := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	e.Extra = extra
	return e
}

// DurationMs converts d to fractional milliseconds.
func DurationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ArtifactType tags files produced by a run.
type ArtifactType string

const (
	ArtifactReportJSON ArtifactType = "report_json"
	ArtifactReportHTML ArtifactType = "report_html"
	ArtifactScreenshot ArtifactType = "screenshot"
	ArtifactLog        ArtifactType = "log"
)

// Artifact references a file relative to the artifact root.
type Artifact struct {
	Type      ArtifactType `json:"type"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
}

// Result is the in-memory output of one module invocation.
type Result struct {
	Status    ResultStatus `json:"status"`
	Entries   []Entry      `json:"entries"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
}

// Failures counts unsuccessful entries.
func (r *Result) Failures() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, e := range r.Entries {
		if !e.Success {
			n++
		}
	}
	return n
}

// ResolveStatus derives a status from the entries: success when none failed,
// failed when all failed, partial otherwise. An empty result is a success.
func (r *Result) ResolveStatus() ResultStatus {
	f := r.Failures()
	switch {
	case f == 0:
		return StatusSuccess
	case f == len(r.Entries):
		return StatusFailed
	default:
		return StatusPartial
	}
}
