package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
)

// CreateRun inserts a run header in Running state. Retrying with the same
// RunID is a no-op.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		return errors.NewInvalidRequestError("run id is required")
	}
	profile, err := marshalJSON(run.Profile, "profile snapshot")
	if err != nil {
		return err
	}
	summary, err := marshalJSON(run.Summary, "run summary")
	if err != nil {
		return err
	}
	if run.Status == "" {
		run.Status = model.StatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_runs (
			run_id, test_case_id, test_case_version, test_name, module_type, module_name,
			profile_snapshot_json, started_at, finished_at, status, summary_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		run.RunID, run.TestCaseID, run.TestCaseVersion, run.TestName, run.ModuleType, run.ModuleName,
		profile, run.StartedAt.UTC(), string(run.Status), summary,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to create run"), "run_id=%s", run.RunID)
	}

	s.log.Debugw("Created run", "run_id", run.RunID, "module_type", run.ModuleType)
	return nil
}

// UpdateRun rewrites the terminal fields of a run header. Applying the same
// update twice leaves the same row.
func (s *Store) UpdateRun(ctx context.Context, runID string, status model.RunStatus, finishedAt time.Time, summary model.Summary) error {
	encoded, err := marshalJSON(summary, "run summary")
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_runs
		SET status = ?, finished_at = ?, summary_json = ?
		WHERE run_id = ?`,
		string(status), finishedAt.UTC(), encoded, runID,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to update run"), "run_id=%s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("run %s", runID)
	}

	s.log.Debugw("Updated run", "run_id", runID, "status", status)
	return nil
}

// AppendRunItems inserts all items in one transaction.
func (s *Store) AppendRunItems(ctx context.Context, items []RunItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin append run items")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_items (
			run_id, item_type, item_key, name, status, success, duration_ms,
			worker_id, iteration, error_type, error_message, extra_json, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare run item insert")
	}
	defer stmt.Close()

	for i, it := range items {
		var extra sql.NullString
		if len(it.Extra) > 0 {
			encoded, err := marshalJSON(it.Extra, "run item extra")
			if err != nil {
				return err
			}
			extra = sql.NullString{String: encoded, Valid: true}
		}
		var startedAt sql.NullTime
		if it.StartedAt != nil && !it.StartedAt.IsZero() {
			startedAt = sql.NullTime{Time: it.StartedAt.UTC(), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			it.RunID, it.ItemType, it.ItemKey, it.Name, it.Status, it.Success, it.DurationMs,
			it.WorkerID, it.Iteration, nullString(it.ErrorType), nullString(it.ErrorMessage), extra, startedAt,
		); err != nil {
			return errors.WithDetailf(
				errors.Wrapf(err, "failed to insert run item %d of %d", i+1, len(items)),
				"run_id=%s", it.RunID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit run items")
	}
	return nil
}

// AppendArtifacts inserts all artifact records in one transaction.
func (s *Store) AppendArtifacts(ctx context.Context, records []ArtifactRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin append artifacts")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (run_id, artifact_type, relative_path, created_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare artifact insert")
	}
	defer stmt.Close()

	for i, a := range records {
		created := a.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		if _, err := stmt.ExecContext(ctx, a.RunID, a.ArtifactType, a.RelativePath, created.UTC()); err != nil {
			return errors.WithDetailf(
				errors.Wrapf(err, "failed to insert artifact %d of %d", i+1, len(records)),
				"run_id=%s", a.RunID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit artifacts")
	}
	return nil
}

// Query lists run headers matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]RunSummary, error) {
	var where []string
	var args []any

	if f.ModuleType != "" {
		where = append(where, "module_type = ?")
		args = append(args, f.ModuleType)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, f.Until.UTC())
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + escapeLike(term) + "%"
		where = append(where, `(test_name LIKE ? ESCAPE '\' OR module_name LIKE ? ESCAPE '\' OR run_id LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}

	query := `SELECT run_id, test_name, module_type, module_name, status, started_at, finished_at, summary_json FROM test_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query += " ORDER BY started_at DESC, run_id LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var status, summaryJSON string
		var finished sql.NullTime
		if err := rows.Scan(&rs.RunID, &rs.TestName, &rs.ModuleType, &rs.ModuleName, &status, &rs.StartedAt, &finished, &summaryJSON); err != nil {
			return nil, errors.Wrap(err, "failed to scan run summary")
		}
		rs.Status = model.RunStatus(status)
		if finished.Valid {
			t := finished.Time
			rs.FinishedAt = &t
		}
		var sum model.Summary
		if err := json.Unmarshal([]byte(summaryJSON), &sum); err == nil {
			rs.Total = sum.Total
			rs.Failed = sum.Failed
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating runs")
	}
	return out, nil
}

// GetRun retrieves one run header.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	var caseID sql.NullInt64
	var caseVersion sql.NullInt64
	var status, profileJSON, summaryJSON string
	var finished sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, test_case_id, test_case_version, test_name, module_type, module_name,
		       profile_snapshot_json, started_at, finished_at, status, summary_json
		FROM test_runs WHERE run_id = ?`, runID,
	).Scan(&run.RunID, &caseID, &caseVersion, &run.TestName, &run.ModuleType, &run.ModuleName,
		&profileJSON, &run.StartedAt, &finished, &status, &summaryJSON)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}

	run.Status = model.RunStatus(status)
	if caseID.Valid {
		id := caseID.Int64
		run.TestCaseID = &id
	}
	if caseVersion.Valid {
		v := int(caseVersion.Int64)
		run.TestCaseVersion = &v
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(profileJSON), &run.Profile); err != nil {
		return nil, errors.Wrapf(err, "failed to decode profile snapshot of run %s", runID)
	}
	if err := json.Unmarshal([]byte(summaryJSON), &run.Summary); err != nil {
		return nil, errors.Wrapf(err, "failed to decode summary of run %s", runID)
	}
	return &run, nil
}

// GetDetail assembles a run header with its items and artifacts.
func (s *Store) GetDetail(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	items, err := s.listRunItems(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.listArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: *run, Items: items, Artifacts: artifacts}, nil
}

func (s *Store) listRunItems(ctx context.Context, runID string) ([]RunItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, item_type, item_key, name, status, success, duration_ms,
		       worker_id, iteration, error_type, error_message, extra_json, started_at
		FROM run_items WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list run items")
	}
	defer rows.Close()

	items := []RunItem{}
	for rows.Next() {
		var it RunItem
		var errType, errMsg, extra sql.NullString
		var started sql.NullTime
		if err := rows.Scan(&it.ID, &it.RunID, &it.ItemType, &it.ItemKey, &it.Name, &it.Status, &it.Success,
			&it.DurationMs, &it.WorkerID, &it.Iteration, &errType, &errMsg, &extra, &started); err != nil {
			return nil, errors.Wrap(err, "failed to scan run item")
		}
		it.ErrorType = errType.String
		it.ErrorMessage = errMsg.String
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &it.Extra); err != nil {
				return nil, errors.Wrapf(err, "failed to decode extra of run item %d", it.ID)
			}
		}
		if started.Valid {
			t := started.Time
			it.StartedAt = &t
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating run items")
	}
	return items, nil
}

func (s *Store) listArtifacts(ctx context.Context, runID string) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, artifact_type, relative_path, created_at
		FROM artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	records := []ArtifactRecord{}
	for rows.Next() {
		var a ArtifactRecord
		if err := rows.Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.RelativePath, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan artifact")
		}
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating artifacts")
	}
	return records, nil
}

// runChildTables are deleted before their test_runs row.
var runChildTables = []string{"run_items", "artifacts", "telegram_notifications"}

// DeleteRun removes a run and everything keyed by its RunID in one transaction.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin delete run")
	}
	defer tx.Rollback()

	for _, table := range runChildTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return errors.Wrapf(err, "failed to delete %s of run %s", table, runID)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM test_runs WHERE run_id = ?`, runID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("run %s", runID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit delete run")
	}

	s.log.Infow("Deleted run", "run_id", runID)
	return nil
}

// CleanupOldRuns deletes finished runs that started more than olderThan ago.
// Returns the number of runs removed.
func (s *Store) CleanupOldRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup")
	}
	defer tx.Rollback()

	const expired = `SELECT run_id FROM test_runs WHERE started_at < ? AND status != ?`
	for _, table := range runChildTables {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE run_id IN (`+expired+`)`,
			cutoff, string(model.StatusRunning)); err != nil {
			return 0, errors.Wrapf(err, "failed to clean up %s", table)
		}
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM test_runs WHERE started_at < ? AND status != ?`,
		cutoff, string(model.StatusRunning))
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}

	if n > 0 {
		s.log.Infow("Cleaned up old runs", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}

// OrphanNote is recorded on runs recovered by RecoverOrphanedRuns.
const OrphanNote = "process exited before the run finished"

// RecoverOrphanedRuns marks runs left in Running state by a process that
// exited mid-run as Canceled. Only call this when no run is in flight.
func (s *Store) RecoverOrphanedRuns(ctx context.Context) (int, error) {
	summary, err := marshalJSON(model.Summary{Note: OrphanNote}, "orphan summary")
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_runs
		SET status = ?, finished_at = ?, summary_json = ?
		WHERE status = ?`,
		string(model.StatusCanceled), s.now(), summary, string(model.StatusRunning))
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	if n > 0 {
		s.log.Warnw("Recovered orphaned runs", "count", n)
	}
	return int(n), nil
}

// ItemsFromEntries converts result entries into run items for runID.
func ItemsFromEntries(runID string, entries []module.Entry) []RunItem {
	items := make([]RunItem, len(entries))
	for i, e := range entries {
		items[i] = RunItem{
			RunID:        runID,
			ItemType:     string(e.Kind),
			ItemKey:      e.Key,
			Name:         e.Name,
			Status:       e.Status,
			Success:      e.Success,
			DurationMs:   e.DurationMs,
			WorkerID:     e.WorkerID,
			Iteration:    e.Iteration,
			ErrorType:    e.ErrorType,
			ErrorMessage: e.ErrorMessage,
			Extra:        e.Extra,
		}
		if !e.StartedAt.IsZero() {
			t := e.StartedAt
			items[i].StartedAt = &t
		}
	}
	return items
}

// Entry converts a stored run item back into a result entry.
func (it RunItem) Entry() module.Entry {
	e := module.Entry{
		Kind:         module.Kind(it.ItemType),
		Key:          it.ItemKey,
		Name:         it.Name,
		Success:      it.Success,
		Status:       it.Status,
		DurationMs:   it.DurationMs,
		WorkerID:     it.WorkerID,
		Iteration:    it.Iteration,
		ErrorType:    it.ErrorType,
		ErrorMessage: it.ErrorMessage,
		Extra:        it.Extra,
	}
	if it.StartedAt != nil {
		e.StartedAt = *it.StartedAt
	}
	return e
}

// ArtifactRecords converts module artifacts into records for runID.
func ArtifactRecords(runID string, artifacts []module.Artifact) []ArtifactRecord {
	records := make([]ArtifactRecord, len(artifacts))
	for i, a := range artifacts {
		records[i] = ArtifactRecord{
			RunID:        runID,
			ArtifactType: string(a.Type),
			RelativePath: a.Path,
			CreatedAt:    a.CreatedAt,
		}
	}
	return records
}
