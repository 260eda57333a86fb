/*
audit.go - Activity log persistence

PURPOSE:
  Lets the SQLite store act as an audit.Sink so the activity log can be
  queried back through the admin API. Writes go through the plain
  database handle, never through an engine transaction: the dispatcher
  records events after the engine has committed.

SEE ALSO:
  - audit/audit.go: Dispatcher and Event
*/
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/enrollment-engine/audit"
)

// Record implements audit.Sink. Re-recording an event ID is a no-op.
func (s *Store) Record(ctx context.Context, e audit.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor, role, target_type, target_id, action, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.Actor, e.Role, e.TargetType, e.TargetID, e.Action, e.Detail, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns events newest first.
func (s *Store) ListAuditEvents(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	var where []string
	var args []any
	if q.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, q.TargetType)
	}
	if q.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, q.TargetID)
	}
	if q.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, q.Actor)
	}
	if q.Since != nil {
		where = append(where, "ts >= ?")
		args = append(args, formatTime(*q.Since))
	}

	query := `SELECT id, actor, role, target_type, target_id, action, detail, ts FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var ts string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Role, &e.TargetType, &e.TargetID, &e.Action, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ audit.Sink = (*Store)(nil)
