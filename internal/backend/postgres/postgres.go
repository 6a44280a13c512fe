// Package postgres implements the relational apply target on PostgreSQL
// through GORM.
//
// Rows live in a single jsonb-backed table keyed by (tbl, record_key), so
// any logical table name the applier uses maps onto the same physical
// schema. Migrate creates it with AutoMigrate.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yangjrun/novellus-sub001/internal/apply"
)

// Row is one stored record.
type Row struct {
	Tbl       string       `gorm:"primaryKey;column:tbl;size:128"`
	RecordKey string       `gorm:"primaryKey;column:record_key;size:256"`
	Fields    apply.Fields `gorm:"serializer:json;type:jsonb;not null"`
	UpdatedAt time.Time
}

// TableName pins the physical table name.
func (Row) TableName() string {
	return "novellus_records"
}

// Store is a RelationalStore backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to dsn.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing GORM handle.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates or updates the records table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Row{}); err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Upsert writes fields into the row for (table, key), creating it when
// missing. Columns absent from fields keep their stored value.
func (s *Store) Upsert(ctx context.Context, table, key string, fields apply.Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRow(tx, table, key)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = &Row{Tbl: table, RecordKey: key}
		case err != nil:
			return err
		}
		row.Fields = mergeColumns(row.Fields, fields)
		return tx.Save(row).Error
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, key, err)
	}
	return nil
}

// UpdateFields overwrites columns of an existing row and returns
// apply.ErrNotFound when there is none.
func (s *Store) UpdateFields(ctx context.Context, table, key string, fields apply.Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRow(tx, table, key)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apply.ErrNotFound
		}
		if err != nil {
			return err
		}
		row.Fields = mergeColumns(row.Fields, fields)
		return tx.Save(row).Error
	})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, key, err)
	}
	return nil
}

// Get returns the row for (table, key).
func (s *Store) Get(ctx context.Context, table, key string) (apply.Fields, bool, error) {
	var row Row
	err := s.db.WithContext(ctx).First(&row, "tbl = ? AND record_key = ?", table, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return row.Fields, true, nil
}

func lockRow(tx *gorm.DB, table, key string) (*Row, error) {
	var row Row
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "tbl = ? AND record_key = ?", table, key).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// mergeColumns overwrites top-level columns of base with patch.
func mergeColumns(base, patch apply.Fields) apply.Fields {
	out := make(apply.Fields, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}

var _ apply.RelationalStore = (*Store)(nil)
