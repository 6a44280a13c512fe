package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// SaveDeadLetter appends dl to the dead-letter table.
func (s *Store) SaveDeadLetter(ctx context.Context, dl ir.DeadLetter) error {
	body, err := marshalJSON(dl)
	if err != nil {
		return fmt.Errorf("save dead letter: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, record_id, kind, body)
		VALUES (?, ?, ?, ?)
	`, dl.Event.EventID, dl.Event.RecordID, string(dl.Kind), body)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

// LoadDeadLetters returns every dead letter in arrival order.
func (s *Store) LoadDeadLetters(ctx context.Context) ([]ir.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM dead_letters ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	out := []ir.DeadLetter{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var dl ir.DeadLetter
		if err := json.Unmarshal([]byte(body), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}
