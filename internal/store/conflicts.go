package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// ErrConflictNotFound is returned when a conflict ID is not in the log.
var ErrConflictNotFound = errors.New("conflict not found")

// AppendConflicts inserts records in order. Re-appending a known
// conflict ID is a no-op.
func (s *Store) AppendConflicts(ctx context.Context, records []ir.ConflictRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append conflicts: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, c := range records {
		body, err := marshalJSON(c)
		if err != nil {
			return fmt.Errorf("append conflicts: marshal %s: %w", c.ConflictID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conflicts (conflict_id, record_id, field_name, strategy, resolved, body)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(conflict_id) DO NOTHING
		`, c.ConflictID, c.RecordID, c.FieldName, string(c.Strategy), c.Resolved, body)
		if err != nil {
			return fmt.Errorf("append conflicts: insert %s: %w", c.ConflictID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append conflicts: commit: %w", err)
	}
	return nil
}

// MarkConflictResolved records a manual resolution.
func (s *Store) MarkConflictResolved(ctx context.Context, conflictID string, value ir.Value, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark conflict resolved: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var body string
	err = tx.QueryRowContext(ctx, `SELECT body FROM conflicts WHERE conflict_id = ?`, conflictID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mark conflict resolved %s: %w", conflictID, ErrConflictNotFound)
	}
	if err != nil {
		return fmt.Errorf("mark conflict resolved %s: %w", conflictID, err)
	}

	var c ir.ConflictRecord
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return fmt.Errorf("mark conflict resolved %s: decode: %w", conflictID, err)
	}
	at = at.UTC()
	c.Resolved = true
	c.ResolvedValue = value
	c.ResolvedAt = &at

	updated, err := marshalJSON(c)
	if err != nil {
		return fmt.Errorf("mark conflict resolved %s: encode: %w", conflictID, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conflicts SET resolved = 1, body = ? WHERE conflict_id = ?
	`, updated, conflictID)
	if err != nil {
		return fmt.Errorf("mark conflict resolved %s: %w", conflictID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark conflict resolved %s: commit: %w", conflictID, err)
	}
	return nil
}

// LoadConflicts returns the conflict log in append order.
func (s *Store) LoadConflicts(ctx context.Context) ([]ir.ConflictRecord, error) {
	return s.queryConflicts(ctx, `SELECT body FROM conflicts ORDER BY seq ASC`)
}

// ReadUnresolvedConflicts returns conflicts awaiting manual review in
// append order.
func (s *Store) ReadUnresolvedConflicts(ctx context.Context) ([]ir.ConflictRecord, error) {
	return s.queryConflicts(ctx, `SELECT body FROM conflicts WHERE resolved = 0 ORDER BY seq ASC`)
}

func (s *Store) queryConflicts(ctx context.Context, query string, args ...any) ([]ir.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := []ir.ConflictRecord{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		var c ir.ConflictRecord
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}
