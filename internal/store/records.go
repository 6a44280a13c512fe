package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/yangjrun/novellus-sub001/internal/apply"
)

// Upsert writes fields as the row for (table, key). Columns missing from
// fields keep their stored value.
func (s *Store) Upsert(ctx context.Context, table, key string, fields apply.Fields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: begin tx: %w", table, key, err)
	}
	defer tx.Rollback() // No-op if committed

	row, _, err := readRow(ctx, tx, table, key)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, key, err)
	}
	if row == nil {
		row = apply.Fields{}
	}
	maps.Copy(row, fields)

	if err := writeRow(ctx, tx, table, key, row); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert %s/%s: commit: %w", table, key, err)
	}
	return nil
}

// UpdateFields overwrites the given columns of an existing row. It returns
// apply.ErrNotFound when the row does not exist.
func (s *Store) UpdateFields(ctx context.Context, table, key string, fields apply.Fields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s/%s: begin tx: %w", table, key, err)
	}
	defer tx.Rollback() // No-op if committed

	row, ok, err := readRow(ctx, tx, table, key)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, key, err)
	}
	if !ok {
		return fmt.Errorf("update %s/%s: %w", table, key, apply.ErrNotFound)
	}
	maps.Copy(row, fields)

	if err := writeRow(ctx, tx, table, key, row); err != nil {
		return fmt.Errorf("update %s/%s: %w", table, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update %s/%s: commit: %w", table, key, err)
	}
	return nil
}

// Get returns the row for (table, key).
func (s *Store) Get(ctx context.Context, table, key string) (apply.Fields, bool, error) {
	row, ok, err := readRow(ctx, s.db, table, key)
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return row, ok, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readRow(ctx context.Context, q queryer, table, key string) (apply.Fields, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `
		SELECT fields FROM records WHERE tbl = ? AND record_key = ?
	`, table, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var row apply.Fields
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, false, fmt.Errorf("decode row: %w", err)
	}
	return row, true, nil
}

func writeRow(ctx context.Context, tx *sql.Tx, table, key string, row apply.Fields) error {
	data, err := marshalJSON(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (tbl, record_key, fields) VALUES (?, ?, ?)
		ON CONFLICT(tbl, record_key) DO UPDATE SET fields = excluded.fields
	`, table, key, data)
	return err
}
