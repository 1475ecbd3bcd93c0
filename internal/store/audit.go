package store

import (
	"context"
	"fmt"
	"time"

	"coinbase-gridbot/pkg/types"
)

// Audit appends an entry to the audit log. Every state-changing operator
// action and engine transition goes through here.
func (s *Store) Audit(ctx context.Context, actor, action, before, after string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, actor, action, before_json, after_json)
		VALUES (?, ?, ?, ?, ?)`,
		fmtTime(time.Now()), actor, action, before, after)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// AuditEntries returns recent audit entries, newest first, up to limit.
func (s *Store) AuditEntries(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, actor, action, before_json, after_json
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Before, &e.After); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
