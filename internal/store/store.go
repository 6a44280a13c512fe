package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades a ledger from version-1 to version.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations run in order against ledgers whose user_version is below
// their version. Fresh ledgers start at 0 and run all of them.
var migrations = []migration{
	{
		version: 1,
		name:    "versions lineage index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_versions_record_seq ON versions(record_id, seq)`,
		},
	},
	{
		version: 2,
		name:    "conflict and dead letter filters",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved)`,
			`CREATE INDEX IF NOT EXISTS idx_dead_letters_kind ON dead_letters(kind)`,
		},
	},
}

// currentSchemaVersion is the user_version of a fully migrated ledger.
var currentSchemaVersion = migrations[len(migrations)-1].version

// Store is the SQLite ledger: version lineage, snapshots, the conflict
// log, dead letters and the relational record table.
//
// A Store implements version.Persister, conflict.LogSink,
// deadletter.Persister and apply.RelationalStore.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger at path and brings its schema up to
// date. The path ":memory:" gives a private in-memory ledger.
//
// File ledgers run in WAL mode with NORMAL synchronous writes and a
// 5-second busy timeout. One connection is kept open; SQLite allows a
// single writer and an in-memory database lives only as long as its
// connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable. The operator API uses it
// for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates missing tables, then migrates.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := migrate(ctx, db, m); err != nil {
			return err
		}
		version = m.version
	}
	return nil
}

// migrate applies m and records its version in one transaction.
func migrate(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate to v%d: begin tx: %w", m.version, err)
	}
	defer tx.Rollback() // No-op if committed

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("migrate to v%d: set user_version: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v%d: commit: %w", m.version, err)
	}
	return nil
}

// pragma reads a single pragma value.
func (s *Store) pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	return value, nil
}
