package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/yangjrun/novellus-sub001/internal/apply"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/deadletter"
	"github.com/yangjrun/novellus-sub001/internal/ir"
	"github.com/yangjrun/novellus-sub001/internal/version"
)

// SaveVersion appends v to the lineage. Uses ON CONFLICT(version_id) DO
// NOTHING so a replayed commit is idempotent.
func (s *Store) SaveVersion(ctx context.Context, v ir.DataVersion) error {
	changes, err := marshalJSON(v.Changes)
	if err != nil {
		return fmt.Errorf("save version: marshal changes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO versions
		(version_id, record_id, parent_version_id, content_hash, event_id, source, ts, changes, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id) DO NOTHING
	`,
		v.VersionID,
		v.RecordID,
		v.ParentVersionID,
		v.ContentHash,
		v.EventID,
		v.Source,
		formatTime(v.Timestamp),
		changes,
		v.Seq,
	)
	if err != nil {
		return fmt.Errorf("save version: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the current snapshot of the record.
func (s *Store) SaveSnapshot(ctx context.Context, snap ir.RecordSnapshot) error {
	payload, err := marshalPayload(snap.Payload)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	provisional := snap.Provisional
	if provisional == nil {
		provisional = []string{}
	}
	prov, err := marshalJSON(provisional)
	if err != nil {
		return fmt.Errorf("save snapshot: marshal provisional: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(record_id, content_type, content_hash, version_id, ts, payload, provisional)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			content_type = excluded.content_type,
			content_hash = excluded.content_hash,
			version_id = excluded.version_id,
			ts = excluded.ts,
			payload = excluded.payload,
			provisional = excluded.provisional
	`,
		snap.RecordID,
		snap.ContentType,
		snap.ContentHash,
		snap.VersionID,
		formatTime(snap.Timestamp),
		payload,
		prov,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// PruneVersions deletes versions of recordID older than keepFromSeq.
func (s *Store) PruneVersions(ctx context.Context, recordID string, keepFromSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM versions WHERE record_id = ? AND seq < ?
	`, recordID, keepFromSeq)
	if err != nil {
		return fmt.Errorf("prune versions: %w", err)
	}
	return nil
}

// LoadSnapshots returns every snapshot ordered by record ID.
func (s *Store) LoadSnapshots(ctx context.Context) ([]ir.RecordSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, content_type, content_hash, version_id, ts, payload, provisional
		FROM snapshots
		ORDER BY record_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []ir.RecordSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// LoadVersions returns the whole lineage ordered by seq.
func (s *Store) LoadVersions(ctx context.Context) ([]ir.DataVersion, error) {
	return s.queryVersions(ctx, `
		SELECT version_id, record_id, parent_version_id, content_hash, event_id, source, ts, changes, seq
		FROM versions
		ORDER BY seq ASC, version_id COLLATE BINARY ASC
	`)
}

// ReadHistory returns the lineage of one record ordered by seq. It reads
// the database directly, so it works without a running engine.
func (s *Store) ReadHistory(ctx context.Context, recordID string) ([]ir.DataVersion, error) {
	return s.queryVersions(ctx, `
		SELECT version_id, record_id, parent_version_id, content_hash, event_id, source, ts, changes, seq
		FROM versions
		WHERE record_id = ?
		ORDER BY seq ASC, version_id COLLATE BINARY ASC
	`, recordID)
}

func (s *Store) queryVersions(ctx context.Context, query string, args ...any) ([]ir.DataVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	versions := []ir.DataVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func scanVersion(rows *sql.Rows) (ir.DataVersion, error) {
	var (
		v       ir.DataVersion
		ts      string
		changes string
	)
	err := rows.Scan(&v.VersionID, &v.RecordID, &v.ParentVersionID, &v.ContentHash,
		&v.EventID, &v.Source, &ts, &changes, &v.Seq)
	if err != nil {
		return ir.DataVersion{}, fmt.Errorf("scan version: %w", err)
	}
	if v.Timestamp, err = parseTime(ts); err != nil {
		return ir.DataVersion{}, fmt.Errorf("scan version %s: %w", v.VersionID, err)
	}
	if err := json.Unmarshal([]byte(changes), &v.Changes); err != nil {
		return ir.DataVersion{}, fmt.Errorf("scan version %s: changes: %w", v.VersionID, err)
	}
	return v, nil
}

func scanSnapshot(rows *sql.Rows) (ir.RecordSnapshot, error) {
	var (
		snap    ir.RecordSnapshot
		ts      string
		payload string
		prov    string
	)
	err := rows.Scan(&snap.RecordID, &snap.ContentType, &snap.ContentHash,
		&snap.VersionID, &ts, &payload, &prov)
	if err != nil {
		return ir.RecordSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	if snap.Timestamp, err = parseTime(ts); err != nil {
		return ir.RecordSnapshot{}, fmt.Errorf("scan snapshot %s: %w", snap.RecordID, err)
	}
	if snap.Payload, err = unmarshalPayload(payload); err != nil {
		return ir.RecordSnapshot{}, fmt.Errorf("scan snapshot %s: %w", snap.RecordID, err)
	}
	if err := json.Unmarshal([]byte(prov), &snap.Provisional); err != nil {
		return ir.RecordSnapshot{}, fmt.Errorf("scan snapshot %s: provisional: %w", snap.RecordID, err)
	}
	if len(snap.Provisional) == 0 {
		snap.Provisional = nil
	}
	return snap, nil
}

var (
	_ version.Persister     = (*Store)(nil)
	_ conflict.LogSink      = (*Store)(nil)
	_ deadletter.Persister  = (*Store)(nil)
	_ apply.RelationalStore = (*Store)(nil)
)
