package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// ErrNotFound is returned for unknown conflict IDs.
var ErrNotFound = errors.New("conflict not found")

// ErrAlreadyResolved is returned when resolving a resolved conflict.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// LogSink persists conflict log entries. The SQLite ledger implements it.
type LogSink interface {
	AppendConflicts(ctx context.Context, records []ir.ConflictRecord) error
	MarkConflictResolved(ctx context.Context, conflictID string, value ir.Value, at time.Time) error
}

// Log is the append-only conflict log. Entries are never removed; the only
// mutation is marking an unresolved entry resolved.
//
// Thread-safety: all methods are safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	records []ir.ConflictRecord
	index   map[string]int
	sink    LogSink
	logger  *slog.Logger
}

// NewLog creates a conflict log. sink may be nil for an in-memory log.
func NewLog(sink LogSink, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		index:  make(map[string]int),
		sink:   sink,
		logger: logger,
	}
}

// Load seeds the log with previously persisted entries without writing
// them back to the sink.
func (l *Log) Load(records []ir.ConflictRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range records {
		if _, ok := l.index[rec.ConflictID]; ok {
			continue
		}
		l.index[rec.ConflictID] = len(l.records)
		l.records = append(l.records, rec)
	}
}

// Append adds records to the log, persisting them through the sink first.
// Records whose ID is already present are skipped.
func (l *Log) Append(ctx context.Context, records ...ir.ConflictRecord) error {
	if len(records) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := make([]ir.ConflictRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := l.index[rec.ConflictID]; !ok {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	if l.sink != nil {
		if err := l.sink.AppendConflicts(ctx, fresh); err != nil {
			return fmt.Errorf("persist conflicts: %w", err)
		}
	}
	for _, rec := range fresh {
		l.index[rec.ConflictID] = len(l.records)
		l.records = append(l.records, rec)
	}
	return nil
}

// Get returns the conflict with the given ID.
func (l *Log) Get(conflictID string) (ir.ConflictRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[conflictID]
	if !ok {
		return ir.ConflictRecord{}, false
	}
	return l.records[i], true
}

// All returns every entry in append order.
func (l *Log) All() []ir.ConflictRecord {
	return l.filter(func(ir.ConflictRecord) bool { return true })
}

// Unresolved returns the entries awaiting manual review.
func (l *Log) Unresolved() []ir.ConflictRecord {
	return l.filter(func(c ir.ConflictRecord) bool { return !c.Resolved })
}

// ForRecord returns the entries for one record.
func (l *Log) ForRecord(recordID string) []ir.ConflictRecord {
	return l.filter(func(c ir.ConflictRecord) bool { return c.RecordID == recordID })
}

func (l *Log) filter(keep func(ir.ConflictRecord) bool) []ir.ConflictRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ir.ConflictRecord
	for _, rec := range l.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// MarkResolved records value as the resolution of an unresolved conflict
// and returns the updated entry.
func (l *Log) MarkResolved(ctx context.Context, conflictID string, value ir.Value, at time.Time) (ir.ConflictRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[conflictID]
	if !ok {
		return ir.ConflictRecord{}, fmt.Errorf("%w: %s", ErrNotFound, conflictID)
	}
	rec := l.records[i]
	if rec.Resolved {
		return rec, fmt.Errorf("%w: %s", ErrAlreadyResolved, conflictID)
	}

	if l.sink != nil {
		if err := l.sink.MarkConflictResolved(ctx, conflictID, value, at); err != nil {
			return rec, fmt.Errorf("persist resolution: %w", err)
		}
	}

	rec.Resolved = true
	rec.ResolvedValue = value
	rec.ResolvedAt = &at
	l.records[i] = rec

	l.logger.Info("conflict resolved manually",
		"conflict_id", conflictID,
		"record_id", rec.RecordID,
		"field", rec.FieldName)
	return rec, nil
}
