package runstore

import (
	"context"
	"database/sql"

	"github.com/teranos/checkrun/errors"
)

// AppendNotification records one attempted notification send.
func (s *Store) AppendNotification(ctx context.Context, n *Notification) error {
	sentAt := n.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telegram_notifications (run_id, kind, sent_at, status, error_message)
		VALUES (?, ?, ?, ?, ?)`,
		n.RunID, n.Kind, sentAt.UTC(), n.Status, nullString(n.ErrorMessage),
	)
	if err != nil {
		return errors.Wrap(err, "failed to record notification")
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "failed to read notification id")
	}
	n.SentAt = sentAt
	return nil
}

// ListNotifications lists the notification audit rows for a run, oldest first.
func (s *Store) ListNotifications(ctx context.Context, runID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, sent_at, status, error_message
		FROM telegram_notifications WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		var msg sql.NullString
		if err := rows.Scan(&n.ID, &n.RunID, &n.Kind, &n.SentAt, &n.Status, &msg); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		n.ErrorMessage = msg.String
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating notifications")
	}
	return out, nil
}
