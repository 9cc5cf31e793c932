// Package runstore is the durable repository for versioned test cases, run
// profiles, run headers, run items, artifacts and notification audit rows.
//
// Every exported operation is one unit of work: multi-row writes run inside a
// single transaction and either commit completely or leave no trace.
package runstore

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/model"
)

// Store persists checkrun state in SQLite.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
	now func() time.Time
}

// New creates a run store over an open, migrated database.
// A nil logger disables logging.
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		db:  db,
		log: logger.AddDBSymbol(log),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// TestCase is a named, versioned settings document for one module type.
type TestCase struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	ModuleType     string    `json:"module_type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CurrentVersion int       `json:"current_version"`
}

// TestCaseVersion is one immutable revision of a test case.
type TestCaseVersion struct {
	ID            int64           `json:"id"`
	TestCaseID    int64           `json:"test_case_id"`
	VersionNumber int             `json:"version_number"`
	ChangedAt     time.Time       `json:"changed_at"`
	ChangeNote    string          `json:"change_note"`
	PayloadJSON   json.RawMessage `json:"payload"`
}

// Run is a run header.
type Run struct {
	RunID           string          `json:"run_id"`
	TestCaseID      *int64          `json:"test_case_id,omitempty"`
	TestCaseVersion *int            `json:"test_case_version,omitempty"`
	TestName        string          `json:"test_name"`
	ModuleType      string          `json:"module_type"`
	ModuleName      string          `json:"module_name"`
	Profile         model.Profile   `json:"profile"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Status          model.RunStatus `json:"status"`
	Summary         model.Summary   `json:"summary"`
}

// RunItem is one persisted result row.
type RunItem struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"run_id"`
	ItemType     string         `json:"item_type"`
	ItemKey      string         `json:"item_key"`
	Name         string         `json:"name,omitempty"`
	Status       string         `json:"status"`
	Success      bool           `json:"success"`
	DurationMs   float64        `json:"duration_ms"`
	WorkerID     int            `json:"worker_id"`
	Iteration    int            `json:"iteration"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
}

// ArtifactRecord references a file produced by a run.
type ArtifactRecord struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	ArtifactType string    `json:"artifact_type"`
	RelativePath string    `json:"relative_path"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notification is one attempted outbound notification.
type Notification struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Kind         string    `json:"kind"`
	SentAt       time.Time `json:"sent_at"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Notification statuses
const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// RunSummary is the lightweight row returned by Query.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	TestName   string          `json:"test_name"`
	ModuleType string          `json:"module_type"`
	ModuleName string          `json:"module_name"`
	Status     model.RunStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Total      int             `json:"total"`
	Failed     int             `json:"failed"`
}

// RunDetail is a header with all of its items and artifacts.
type RunDetail struct {
	Run       Run              `json:"run"`
	Items     []RunItem        `json:"items"`
	Artifacts []ArtifactRecord `json:"artifacts"`
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	ModuleType string
	Status     model.RunStatus
	Since      time.Time
	Until      time.Time
	Search     string // substring of test name, module name or run id
	Limit      int
	Offset     int
}

// DefaultQueryLimit caps Query when Filter.Limit is unset.
const DefaultQueryLimit = 100

func marshalJSON(v any, what string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode %s", what)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// escapeLike escapes LIKE wildcards so search terms match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
