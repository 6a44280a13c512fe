package version

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangjrun/novellus-sub001/internal/detect"
	"github.com/yangjrun/novellus-sub001/internal/ir"
	"github.com/yangjrun/novellus-sub001/internal/testutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(opts ...Option) *Store {
	return New(detect.New(), append([]Option{WithIDGenerator(testutil.NewSequentialIDs("ver"))}, opts...)...)
}

// apply stages and commits payload for recordID, returning the version.
func apply(t *testing.T, s *Store, recordID string, payload ir.Payload) ir.DataVersion {
	t.Helper()
	existing := s.Current(recordID)
	ev := ir.ChangeEvent{EventID: "ev-" + recordID, RecordID: recordID, Timestamp: t0, Source: "test", Payload: payload}

	v, err := s.CreateVersion(recordID, payload, existing, ev)
	require.NoError(t, err)
	snap := ir.RecordSnapshot{
		RecordID:    recordID,
		ContentHash: v.ContentHash,
		VersionID:   v.VersionID,
		Timestamp:   v.Timestamp,
		Payload:     payload,
	}
	require.NoError(t, s.Commit(context.Background(), snap, v))
	return v
}

func TestCreateVersionStagesOnly(t *testing.T) {
	s := newStore()
	ev := ir.ChangeEvent{EventID: "e1", RecordID: "r1", Timestamp: t0, Source: "wiki"}

	v, err := s.CreateVersion("r1", ir.Payload{"name": ir.String("A")}, nil, ev)
	require.NoError(t, err)

	assert.Equal(t, "ver-0001", v.VersionID)
	assert.Empty(t, v.ParentVersionID)
	assert.Equal(t, "wiki", v.Source)
	assert.Equal(t, "e1", v.EventID)
	assert.Equal(t, int64(1), v.Seq)
	assert.Equal(t, map[string]ir.FieldChange{"name": {New: ir.String("A")}}, v.Changes)
	assert.Len(t, v.ContentHash, 64)

	assert.Empty(t, s.History("r1"), "staged versions are not in the lineage")
	assert.Nil(t, s.Current("r1"))
}

func TestCreateVersionRejectsForeignSnapshot(t *testing.T) {
	s := newStore()
	_, err := s.CreateVersion("r1", ir.Payload{}, &ir.RecordSnapshot{RecordID: "r2"}, ir.ChangeEvent{})
	assert.Error(t, err)
}

func TestLineageParentPointers(t *testing.T) {
	s := newStore()
	v1 := apply(t, s, "r1", ir.Payload{"conf": ir.Float(0.5)})
	v2 := apply(t, s, "r1", ir.Payload{"conf": ir.Float(0.9)})

	hist := s.History("r1")
	require.Len(t, hist, 2)
	assert.Empty(t, hist[0].ParentVersionID)
	assert.Equal(t, v1.VersionID, hist[1].ParentVersionID)
	assert.Equal(t, v2.VersionID, s.Current("r1").VersionID)
	assert.Equal(t, map[string]ir.FieldChange{
		"conf": {Old: ir.Float(0.5), New: ir.Float(0.9)},
	}, hist[1].Changes)
}

func TestCommitRejectsStaleParent(t *testing.T) {
	s := newStore()
	ev := ir.ChangeEvent{RecordID: "r1", Timestamp: t0}

	// Two versions staged from the same (empty) state; only one may commit.
	a, err := s.CreateVersion("r1", ir.Payload{"x": ir.Int(1)}, nil, ev)
	require.NoError(t, err)
	b, err := s.CreateVersion("r1", ir.Payload{"x": ir.Int(2)}, nil, ev)
	require.NoError(t, err)

	require.NoError(t, s.Commit(context.Background(), ir.RecordSnapshot{RecordID: "r1", VersionID: a.VersionID}, a))
	err = s.Commit(context.Background(), ir.RecordSnapshot{RecordID: "r1", VersionID: b.VersionID}, b)
	assert.ErrorIs(t, err, ErrParentMismatch)
	assert.Len(t, s.History("r1"), 1)
}

func TestCommitRejectsMismatchedSnapshot(t *testing.T) {
	s := newStore()
	v, err := s.CreateVersion("r1", ir.Payload{}, nil, ir.ChangeEvent{})
	require.NoError(t, err)
	err = s.Commit(context.Background(), ir.RecordSnapshot{RecordID: "r1", VersionID: "other"}, v)
	assert.Error(t, err)
}

func TestHistoryCapKeepsCurrent(t *testing.T) {
	s := newStore(WithHistoryCap(3))
	var last ir.DataVersion
	for i := 0; i < 5; i++ {
		last = apply(t, s, "r1", ir.Payload{"n": ir.Int(int64(i))})
	}

	hist := s.History("r1")
	require.Len(t, hist, 3)
	assert.Equal(t, "ver-0003", hist[0].VersionID, "oldest pruned first")
	assert.Equal(t, last.VersionID, hist[2].VersionID)
	assert.Equal(t, last.VersionID, s.Current("r1").VersionID)
}

func TestHistoryCapMinimumOne(t *testing.T) {
	s := newStore(WithHistoryCap(0))
	apply(t, s, "r1", ir.Payload{"n": ir.Int(1)})
	v := apply(t, s, "r1", ir.Payload{"n": ir.Int(2)})

	hist := s.History("r1")
	require.Len(t, hist, 1)
	assert.Equal(t, v.VersionID, hist[0].VersionID)
}

func TestCurrentReturnsCopy(t *testing.T) {
	s := newStore()
	apply(t, s, "r1", ir.Payload{"name": ir.String("A")})

	snap := s.Current("r1")
	snap.Payload["name"] = ir.String("mutated")
	assert.Equal(t, ir.String("A"), s.Current("r1").Payload["name"])
}

func TestSnapshotsOrdered(t *testing.T) {
	s := newStore()
	apply(t, s, "b", ir.Payload{})
	apply(t, s, "a", ir.Payload{})

	snaps := s.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].RecordID)
	assert.Equal(t, 2, s.Len())
}

type memPersister struct {
	mu        sync.Mutex
	versions  []ir.DataVersion
	snapshots map[string]ir.RecordSnapshot
	prunedTo  map[string]int64
	failSave  error
}

func newMemPersister() *memPersister {
	return &memPersister{snapshots: make(map[string]ir.RecordSnapshot), prunedTo: make(map[string]int64)}
}

func (p *memPersister) SaveVersion(_ context.Context, v ir.DataVersion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave != nil {
		return p.failSave
	}
	p.versions = append(p.versions, v)
	return nil
}

func (p *memPersister) SaveSnapshot(_ context.Context, s ir.RecordSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[s.RecordID] = s
	return nil
}

func (p *memPersister) PruneVersions(_ context.Context, recordID string, keepFromSeq int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prunedTo[recordID] = keepFromSeq
	kept := p.versions[:0]
	for _, v := range p.versions {
		if v.RecordID != recordID || v.Seq >= keepFromSeq {
			kept = append(kept, v)
		}
	}
	p.versions = kept
	return nil
}

func (p *memPersister) LoadSnapshots(context.Context) ([]ir.RecordSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ir.RecordSnapshot
	for _, s := range p.snapshots {
		out = append(out, s)
	}
	return out, nil
}

func (p *memPersister) LoadVersions(context.Context) ([]ir.DataVersion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ir.DataVersion(nil), p.versions...), nil
}

func TestPersisterWriteThroughAndPrune(t *testing.T) {
	p := newMemPersister()
	s := newStore(WithPersister(p), WithHistoryCap(2))

	apply(t, s, "r1", ir.Payload{"n": ir.Int(1)})
	apply(t, s, "r1", ir.Payload{"n": ir.Int(2)})
	apply(t, s, "r1", ir.Payload{"n": ir.Int(3)})

	assert.Len(t, p.versions, 2)
	assert.Equal(t, int64(2), p.prunedTo["r1"])
	assert.Equal(t, "ver-0003", p.snapshots["r1"].VersionID)
}

func TestPersisterFailureLeavesStateUntouched(t *testing.T) {
	p := newMemPersister()
	p.failSave = errors.New("ledger locked")
	s := newStore(WithPersister(p))

	v, err := s.CreateVersion("r1", ir.Payload{}, nil, ir.ChangeEvent{})
	require.NoError(t, err)
	err = s.Commit(context.Background(), ir.RecordSnapshot{RecordID: "r1", VersionID: v.VersionID}, v)
	assert.ErrorContains(t, err, "ledger locked")
	assert.Nil(t, s.Current("r1"))
	assert.Empty(t, s.History("r1"))
}

func TestLoadRehydrates(t *testing.T) {
	p := newMemPersister()
	first := newStore(WithPersister(p))
	apply(t, first, "r1", ir.Payload{"n": ir.Int(1)})
	v2 := apply(t, first, "r1", ir.Payload{"n": ir.Int(2)})

	restarted := New(detect.New(), WithPersister(p), WithIDGenerator(testutil.NewSequentialIDs("new")))
	require.NoError(t, restarted.Load(context.Background()))

	snap := restarted.Current("r1")
	require.NotNil(t, snap)
	assert.Equal(t, v2.VersionID, snap.VersionID)
	assert.Len(t, restarted.History("r1"), 2)

	// New versions continue the lineage and the sequence.
	v3 := apply(t, restarted, "r1", ir.Payload{"n": ir.Int(3)})
	assert.Equal(t, v2.VersionID, v3.ParentVersionID)
	assert.Equal(t, int64(3), v3.Seq)
}

func TestLoadWithoutPersister(t *testing.T) {
	assert.NoError(t, newStore().Load(context.Background()))
}
