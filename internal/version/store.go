// Package version keeps the append-only lineage of applied changes per
// record and owns the authoritative current snapshot of every record.
package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yangjrun/novellus-sub001/internal/detect"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// DefaultHistoryCap bounds the versions retained per record.
const DefaultHistoryCap = 100

// ErrParentMismatch is returned by Commit when the version does not
// descend from the record's current snapshot.
var ErrParentMismatch = errors.New("parent version mismatch")

// IDGenerator produces version identifiers.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Persister stores lineage and snapshots durably. The SQLite ledger
// implements it.
type Persister interface {
	SaveVersion(ctx context.Context, v ir.DataVersion) error
	SaveSnapshot(ctx context.Context, s ir.RecordSnapshot) error
	PruneVersions(ctx context.Context, recordID string, keepFromSeq int64) error
	LoadSnapshots(ctx context.Context) ([]ir.RecordSnapshot, error)
	LoadVersions(ctx context.Context) ([]ir.DataVersion, error)
}

// Store is the version store.
//
// Versions are staged by CreateVersion and only become part of a record's
// lineage on Commit, which the pipeline calls after both backing stores
// accepted the write. A failed apply therefore leaves no orphan version
// behind, and every committed version's parent is the previous committed
// version of the same record.
//
// Thread-safety: all methods are safe for concurrent use. Callers that
// read a snapshot, derive a new state from it and commit must hold the
// record's ticket (Reserve/Lock) for the whole sequence.
type Store struct {
	mu      sync.RWMutex
	history map[string][]ir.DataVersion
	current map[string]*ir.RecordSnapshot

	seq       atomic.Int64
	histCap   int
	tickets   *sequencer
	detector  *detect.Detector
	ids       IDGenerator
	persister Persister
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryCap sets the per-record version cap. Values below 1 are
// raised to 1 so the current version is always kept.
func WithHistoryCap(n int) Option {
	return func(s *Store) {
		s.histCap = max(n, 1)
	}
}

// WithIDGenerator sets the version ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// WithPersister makes Commit write through to p.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an empty Store that hashes and diffs with detector.
func New(detector *detect.Detector, opts ...Option) *Store {
	s := &Store{
		history:  make(map[string][]ir.DataVersion),
		current:  make(map[string]*ir.RecordSnapshot),
		histCap:  DefaultHistoryCap,
		tickets:  newSequencer(),
		detector: detector,
		ids:      uuidGenerator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve takes the next place in recordID's queue. The pipeline reserves
// while dequeuing so that same-record events run in dequeue order.
func (s *Store) Reserve(recordID string) Ticket {
	return s.tickets.reserve(recordID)
}

// Lock waits for exclusive ownership of recordID and returns the unlock
// function.
func (s *Store) Lock(recordID string) func() {
	t := s.tickets.reserve(recordID)
	t.Wait()
	return t.Release
}

// CreateVersion stages the version that turns existing into resolved. The
// version is not part of the lineage until Commit.
func (s *Store) CreateVersion(recordID string, resolved ir.Payload, existing *ir.RecordSnapshot, ev ir.ChangeEvent) (ir.DataVersion, error) {
	if existing != nil && existing.RecordID != recordID {
		return ir.DataVersion{}, fmt.Errorf("snapshot belongs to record %q, not %q", existing.RecordID, recordID)
	}
	hash, err := s.detector.Hash(resolved)
	if err != nil {
		return ir.DataVersion{}, err
	}

	var before ir.Payload
	parent := ""
	if existing != nil {
		before = existing.Payload
		parent = existing.VersionID
	}

	return ir.DataVersion{
		VersionID:       s.ids.Generate(),
		RecordID:        recordID,
		ContentHash:     hash,
		Timestamp:       ev.Timestamp,
		Source:          ev.Source,
		EventID:         ev.EventID,
		Changes:         s.detector.Diff(before, resolved),
		ParentVersionID: parent,
		Seq:             s.seq.Add(1),
	}, nil
}

// Commit appends v to the record's lineage and makes snap the current
// snapshot, pruning history beyond the cap. v must descend from the
// current snapshot.
func (s *Store) Commit(ctx context.Context, snap ir.RecordSnapshot, v ir.DataVersion) error {
	if snap.RecordID != v.RecordID || snap.VersionID != v.VersionID {
		return fmt.Errorf("snapshot %s/%s does not match version %s/%s",
			snap.RecordID, snap.VersionID, v.RecordID, v.VersionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := ""
	if cur, ok := s.current[v.RecordID]; ok {
		want = cur.VersionID
	}
	if v.ParentVersionID != want {
		return fmt.Errorf("%w: record %s version %s has parent %q, current is %q",
			ErrParentMismatch, v.RecordID, v.VersionID, v.ParentVersionID, want)
	}

	if s.persister != nil {
		if err := s.persister.SaveVersion(ctx, v); err != nil {
			return fmt.Errorf("persist version: %w", err)
		}
		if err := s.persister.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}

	hist := append(s.history[v.RecordID], v)
	if excess := len(hist) - s.histCap; excess > 0 {
		hist = slices.Clone(hist[excess:])
		if s.persister != nil {
			if err := s.persister.PruneVersions(ctx, v.RecordID, hist[0].Seq); err != nil {
				// A failed prune only leaves extra rows behind.
				s.logger.Warn("prune persisted versions",
					"record_id", v.RecordID,
					"error", err)
			}
		}
	}
	s.history[v.RecordID] = hist
	s.current[v.RecordID] = snap.Clone()
	return nil
}

// History returns the retained versions of recordID, oldest first.
func (s *Store) History(recordID string) []ir.DataVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history[recordID])
}

// Current returns a copy of the current snapshot, or nil if the record has
// never been applied.
func (s *Store) Current(recordID string) *ir.RecordSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[recordID].Clone()
}

// Snapshots returns copies of every current snapshot ordered by record ID.
func (s *Store) Snapshots() []ir.RecordSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ir.RecordSnapshot, 0, len(s.current))
	for _, snap := range s.current {
		out = append(out, *snap.Clone())
	}
	slices.SortFunc(out, func(a, b ir.RecordSnapshot) int {
		switch {
		case a.RecordID < b.RecordID:
			return -1
		case a.RecordID > b.RecordID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of records with a current snapshot.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.current)
}

// Load rehydrates snapshots and lineage from the persister. Versions are
// grouped by record in Seq order and capped; the sequence counter resumes
// after the highest loaded Seq.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snaps, err := s.persister.LoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	versions, err := s.persister.LoadVersions(ctx)
	if err != nil {
		return fmt.Errorf("load versions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range snaps {
		s.current[snaps[i].RecordID] = snaps[i].Clone()
	}

	slices.SortFunc(versions, func(a, b ir.DataVersion) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	var maxSeq int64
	for _, v := range versions {
		s.history[v.RecordID] = append(s.history[v.RecordID], v)
		maxSeq = max(maxSeq, v.Seq)
	}
	for id, hist := range s.history {
		if excess := len(hist) - s.histCap; excess > 0 {
			s.history[id] = slices.Clone(hist[excess:])
		}
	}
	if maxSeq > s.seq.Load() {
		s.seq.Store(maxSeq)
	}

	s.logger.Info("version store loaded",
		"snapshots", len(snaps),
		"versions", len(versions))
	return nil
}
