package runstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
)

// SaveProfile inserts the profile when its ID is empty, assigning a new ID,
// and otherwise updates the existing row.
func (s *Store) SaveProfile(ctx context.Context, p *model.Profile) error {
	if p.Name == "" {
		return errors.NewInvalidRequestError("profile name is required")
	}
	now := s.now()

	if p.ID == "" {
		id := uuid.NewString()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_profiles (
				id, name, parallelism, mode, iterations, duration_seconds,
				timeout_seconds, pause_ms, headless, screenshots_policy,
				html_report_enabled, telegram_enabled, preflight_enabled,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.Name, p.Parallelism, string(p.Mode), p.Iterations, p.DurationSeconds,
			p.TimeoutSeconds, p.PauseMs, p.Headless, string(screenshots(p.ScreenshotsPolicy)),
			p.HTMLReportEnabled, p.TelegramEnabled, p.PreflightEnabled,
			now, now,
		)
		if err != nil {
			return errors.Wrap(err, "failed to create profile")
		}
		p.ID = id
		p.CreatedAt = now
		p.UpdatedAt = now
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE run_profiles
		SET name = ?, parallelism = ?, mode = ?, iterations = ?, duration_seconds = ?,
		    timeout_seconds = ?, pause_ms = ?, headless = ?, screenshots_policy = ?,
		    html_report_enabled = ?, telegram_enabled = ?, preflight_enabled = ?,
		    updated_at = ?
		WHERE id = ?`,
		p.Name, p.Parallelism, string(p.Mode), p.Iterations, p.DurationSeconds,
		p.TimeoutSeconds, p.PauseMs, p.Headless, string(screenshots(p.ScreenshotsPolicy)),
		p.HTMLReportEnabled, p.TelegramEnabled, p.PreflightEnabled,
		now, p.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update profile")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("profile %s", p.ID)
	}
	p.UpdatedAt = now
	return nil
}

func screenshots(p module.ScreenshotsPolicy) module.ScreenshotsPolicy {
	if p == "" {
		return module.ScreenshotsOnFailure
	}
	return p
}

const profileColumns = `id, name, parallelism, mode, iterations, duration_seconds,
	timeout_seconds, pause_ms, headless, screenshots_policy,
	html_report_enabled, telegram_enabled, preflight_enabled, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*model.Profile, error) {
	var p model.Profile
	var mode, policy string
	err := row.Scan(&p.ID, &p.Name, &p.Parallelism, &mode, &p.Iterations, &p.DurationSeconds,
		&p.TimeoutSeconds, &p.PauseMs, &p.Headless, &policy,
		&p.HTMLReportEnabled, &p.TelegramEnabled, &p.PreflightEnabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Mode = model.Mode(mode)
	p.ScreenshotsPolicy = module.ScreenshotsPolicy(policy)
	return &p, nil
}

// GetProfile retrieves a profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM run_profiles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("profile %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get profile")
	}
	return p, nil
}

// FindProfile retrieves the most recently updated profile with the given name.
func (s *Store) FindProfile(ctx context.Context, name string) (*model.Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM run_profiles WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, name))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("profile %s", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find profile")
	}
	return p, nil
}

// ListProfiles lists all profiles by name.
func (s *Store) ListProfiles(ctx context.Context) ([]*model.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM run_profiles ORDER BY name, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list profiles")
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan profile")
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating profiles")
	}
	return profiles, nil
}

// DeleteProfile removes a profile. Runs keep their own snapshot of it.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_profiles WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete profile")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("profile %s", id)
	}
	return nil
}
