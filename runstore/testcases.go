package runstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/checkrun/errors"
)

// SaveVersion appends a new version of the (name, moduleType) test case,
// creating the case at version 1 when it does not exist. The case row update
// and the version row insert commit together.
//
// Concurrent writers to the same case are detected, not serialized: if the
// case moved between read and update, ErrConflict is returned and nothing is written.
func (s *Store) SaveVersion(ctx context.Context, name, description, moduleType string, payload json.RawMessage, changeNote string) (*TestCaseVersion, error) {
	if name == "" || moduleType == "" {
		return nil, errors.NewInvalidRequestError("test case name and module type are required")
	}
	if !json.Valid(payload) {
		return nil, errors.NewInvalidRequestError("test case payload for %s is not valid JSON", name)
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin save version")
	}
	defer tx.Rollback()

	var caseID int64
	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT id, current_version FROM test_cases WHERE name = ? AND module_type = ?`,
		name, moduleType,
	).Scan(&caseID, &current)

	next := current + 1
	switch {
	case err == sql.ErrNoRows:
		next = 1
		res, err := tx.ExecContext(ctx, `
			INSERT INTO test_cases (name, description, module_type, created_at, updated_at, current_version)
			VALUES (?, ?, ?, ?, ?, 1)`,
			name, description, moduleType, now, now,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create test case")
		}
		if caseID, err = res.LastInsertId(); err != nil {
			return nil, errors.Wrap(err, "failed to read test case id")
		}

	case err != nil:
		return nil, errors.Wrap(err, "failed to look up test case")

	default:
		res, err := tx.ExecContext(ctx, `
			UPDATE test_cases
			SET current_version = ?,
			    updated_at = ?,
			    description = COALESCE(NULLIF(?, ''), description)
			WHERE id = ? AND current_version = ?`,
			next, now, description, caseID, current,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to advance test case version")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to check rows affected")
		}
		if n == 0 {
			return nil, errors.Wrapf(errors.ErrConflict, "test case %s moved past version %d", name, current)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO test_case_versions (test_case_id, version_number, changed_at, change_note, payload_json)
		VALUES (?, ?, ?, ?, ?)`,
		caseID, next, now, changeNote, string(payload),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to insert version %d of %s", next, name)
	}
	versionID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read version id")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit save version")
	}

	s.log.Infow("Saved test case version",
		"test_case", name,
		"module_type", moduleType,
		"version", next)

	return &TestCaseVersion{
		ID:            versionID,
		TestCaseID:    caseID,
		VersionNumber: next,
		ChangedAt:     now,
		ChangeNote:    changeNote,
		PayloadJSON:   append(json.RawMessage(nil), payload...),
	}, nil
}

const testCaseColumns = `id, name, description, module_type, created_at, updated_at, current_version`

func scanTestCase(row interface{ Scan(...any) error }) (*TestCase, error) {
	var tc TestCase
	err := row.Scan(&tc.ID, &tc.Name, &tc.Description, &tc.ModuleType, &tc.CreatedAt, &tc.UpdatedAt, &tc.CurrentVersion)
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

// GetTestCase retrieves a test case by id.
func (s *Store) GetTestCase(ctx context.Context, id int64) (*TestCase, error) {
	tc, err := scanTestCase(s.db.QueryRowContext(ctx,
		`SELECT `+testCaseColumns+` FROM test_cases WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("test case %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get test case")
	}
	return tc, nil
}

// FindTestCase retrieves a test case by its natural key.
func (s *Store) FindTestCase(ctx context.Context, name, moduleType string) (*TestCase, error) {
	tc, err := scanTestCase(s.db.QueryRowContext(ctx,
		`SELECT `+testCaseColumns+` FROM test_cases WHERE name = ? AND module_type = ?`, name, moduleType))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("test case %s (%s)", name, moduleType)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find test case")
	}
	return tc, nil
}

// ListTestCases lists test cases, optionally for one module type, by name.
func (s *Store) ListTestCases(ctx context.Context, moduleType string) ([]*TestCase, error) {
	query := `SELECT ` + testCaseColumns + ` FROM test_cases`
	var args []any
	if moduleType != "" {
		query += ` WHERE module_type = ?`
		args = append(args, moduleType)
	}
	query += ` ORDER BY name, module_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list test cases")
	}
	defer rows.Close()

	var cases []*TestCase
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan test case")
		}
		cases = append(cases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating test cases")
	}
	return cases, nil
}

const versionColumns = `id, test_case_id, version_number, changed_at, change_note, payload_json`

func scanVersion(row interface{ Scan(...any) error }) (*TestCaseVersion, error) {
	var v TestCaseVersion
	var payload string
	if err := row.Scan(&v.ID, &v.TestCaseID, &v.VersionNumber, &v.ChangedAt, &v.ChangeNote, &payload); err != nil {
		return nil, err
	}
	v.PayloadJSON = json.RawMessage(payload)
	return &v, nil
}

// ListVersions lists every version of a test case, oldest first.
func (s *Store) ListVersions(ctx context.Context, caseID int64) ([]*TestCaseVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM test_case_versions WHERE test_case_id = ? ORDER BY version_number`, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list versions")
	}
	defer rows.Close()

	var versions []*TestCaseVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan version")
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating versions")
	}
	return versions, nil
}

// GetVersion retrieves one version. number <= 0 selects the current version.
func (s *Store) GetVersion(ctx context.Context, caseID int64, number int) (*TestCaseVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM test_case_versions WHERE test_case_id = ? AND version_number = ?`
	args := []any{caseID, number}
	if number <= 0 {
		query = `SELECT v.id, v.test_case_id, v.version_number, v.changed_at, v.change_note, v.payload_json
			FROM test_case_versions v
			JOIN test_cases c ON c.id = v.test_case_id AND c.current_version = v.version_number
			WHERE v.test_case_id = ?`
		args = []any{caseID}
	}

	v, err := scanVersion(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("version %d of test case %d", number, caseID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get version")
	}
	return v, nil
}

// DeleteTestCase removes a test case and all of its versions.
// Runs that referenced it keep their rows with the reference cleared.
func (s *Store) DeleteTestCase(ctx context.Context, caseID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin delete test case")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM test_case_versions WHERE test_case_id = ?`, caseID); err != nil {
		return errors.Wrap(err, "failed to delete versions")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM test_cases WHERE id = ?`, caseID)
	if err != nil {
		return errors.Wrap(err, "failed to delete test case")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("test case %d", caseID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit delete test case")
	}
	return nil
}
