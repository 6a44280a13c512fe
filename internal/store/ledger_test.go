package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangjrun/novellus-sub001/internal/apply"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLedger_VersionsRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v1 := ir.DataVersion{
		VersionID:   "v1",
		RecordID:    "42",
		ContentHash: "h1",
		Timestamp:   ts,
		Source:      "crawler",
		EventID:     "e1",
		Changes:     map[string]ir.FieldChange{"conf": {New: ir.Float(0.5)}},
		Seq:         1,
	}
	v2 := ir.DataVersion{
		VersionID:       "v2",
		RecordID:        "42",
		ContentHash:     "h2",
		Timestamp:       ts.Add(time.Second),
		EventID:         "e2",
		Changes:         map[string]ir.FieldChange{"conf": {Old: ir.Float(0.5), New: ir.Float(0.9)}},
		ParentVersionID: "v1",
		Seq:             2,
	}
	other := ir.DataVersion{VersionID: "v3", RecordID: "7", ContentHash: "h3", Timestamp: ts, EventID: "e3", Seq: 3}

	require.NoError(t, s.SaveVersion(ctx, v2))
	require.NoError(t, s.SaveVersion(ctx, other))
	require.NoError(t, s.SaveVersion(ctx, v1))
	require.NoError(t, s.SaveVersion(ctx, v1), "re-saving is a no-op")

	all, err := s.LoadVersions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"v1", "v2", "v3"}, []string{all[0].VersionID, all[1].VersionID, all[2].VersionID})

	history, err := s.ReadHistory(ctx, "42")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "v1", history[1].ParentVersionID)
	assert.True(t, ts.Add(time.Second).Equal(history[1].Timestamp))
	assert.Equal(t, ir.FieldChange{Old: ir.Float(0.5), New: ir.Float(0.9)}, history[1].Changes["conf"])
	assert.Equal(t, ir.FieldChange{New: ir.Float(0.5)}, history[0].Changes["conf"])

	require.NoError(t, s.PruneVersions(ctx, "42", 2))
	history, err = s.ReadHistory(ctx, "42")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "v2", history[0].VersionID)

	empty, err := s.ReadHistory(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLedger_SnapshotsRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	snap := ir.RecordSnapshot{
		RecordID:    "42",
		ContentType: "character",
		ContentHash: "h1",
		VersionID:   "v1",
		Timestamp:   ts,
		Payload: ir.Payload{
			"name":    ir.String("Aria"),
			"age":     ir.Int(30),
			"aliases": ir.Array{ir.String("Ari")},
		},
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snap.ContentHash = "h2"
	snap.VersionID = "v2"
	snap.Provisional = []string{"lore"}
	snap.Payload["lore"] = ir.String("pending")
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	loaded, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, "v2", got.VersionID)
	assert.Equal(t, []string{"lore"}, got.Provisional)
	assert.Equal(t, ir.Int(30), got.Payload["age"], "integers survive the round trip")
	assert.True(t, ir.Equal(snap.Payload, got.Payload))
}

func TestLedger_Conflicts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c1 := ir.ConflictRecord{
		ConflictID: "c1", RecordID: "42", FieldName: "conf",
		LocalValue: ir.Float(0.5), RemoteValue: ir.Float(0.9),
		Strategy: ir.StrategyHighestConfidence, Resolved: true, ResolvedValue: ir.Float(0.9),
		DetectedAt: ts,
	}
	c2 := ir.ConflictRecord{
		ConflictID: "c2", RecordID: "42", FieldName: "lore",
		LocalValue: ir.String("old"), RemoteValue: ir.String("new"),
		Strategy: ir.StrategyManualReview, ResolvedValue: ir.String("new"),
		DetectedAt: ts,
	}
	require.NoError(t, s.AppendConflicts(ctx, []ir.ConflictRecord{c1, c2}))
	require.NoError(t, s.AppendConflicts(ctx, []ir.ConflictRecord{c1}), "re-append is a no-op")

	all, err := s.LoadConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].ConflictID)
	assert.Equal(t, ir.Float(0.9), all[0].ResolvedValue)

	unresolved, err := s.ReadUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "c2", unresolved[0].ConflictID)

	at := ts.Add(time.Hour)
	require.NoError(t, s.MarkConflictResolved(ctx, "c2", ir.String("canon"), at))

	unresolved, err = s.ReadUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	all, err = s.LoadConflicts(ctx)
	require.NoError(t, err)
	assert.True(t, all[1].Resolved)
	assert.Equal(t, ir.String("canon"), all[1].ResolvedValue)
	require.NotNil(t, all[1].ResolvedAt)
	assert.True(t, at.Equal(*all[1].ResolvedAt))

	err = s.MarkConflictResolved(ctx, "missing", ir.String("x"), at)
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestLedger_DeadLetters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, kind := range []ir.DeadLetterKind{ir.DeadLetterExhausted, ir.DeadLetterValidation} {
		dl := ir.DeadLetter{
			Event: ir.ChangeEvent{
				EventID:    []string{"e1", "e2"}[i],
				RecordID:   "9",
				Timestamp:  ts,
				Payload:    ir.Payload{"a": ir.Int(1)},
				RetryCount: 4,
				MaxRetries: 3,
			},
			Kind:     kind,
			Error:    "TRANSIENT_STORE: relational write failed (record=9)",
			FailedAt: ts,
		}
		require.NoError(t, s.SaveDeadLetter(ctx, dl))
	}

	loaded, err := s.LoadDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "e1", loaded[0].Event.EventID)
	assert.Equal(t, ir.DeadLetterExhausted, loaded[0].Kind)
	assert.Equal(t, 4, loaded[0].Event.RetryCount)
	assert.Equal(t, ir.Int(1), loaded[0].Event.Payload["a"])
	assert.Equal(t, ir.DeadLetterValidation, loaded[1].Kind)
}

func TestRecords_UpsertUpdateGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.UpdateFields(ctx, "records", "1", apply.Fields{"content_hash": "h0"})
	assert.ErrorIs(t, err, apply.ErrNotFound)

	require.NoError(t, s.Upsert(ctx, "records", "1", apply.Fields{
		apply.FieldRecordID:    "1",
		apply.FieldContentHash: "h1",
		apply.FieldPayload:     map[string]any{"name": "Aria"},
	}))
	require.NoError(t, s.UpdateFields(ctx, "records", "1", apply.Fields{apply.FieldContentHash: "h2"}))

	row, ok, err := s.Get(ctx, "records", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h2", row.String(apply.FieldContentHash))
	assert.Equal(t, "1", row.String(apply.FieldRecordID), "untouched columns are kept")
	assert.Equal(t, map[string]any{"name": "Aria"}, row[apply.FieldPayload])

	_, ok, err = s.Get(ctx, "other", "1")
	require.NoError(t, err)
	assert.False(t, ok, "tables are separate")
}

func TestRecords_WorksAsApplyTarget(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var rel apply.RelationalStore = s
	snap := ir.RecordSnapshot{
		RecordID: "5", ContentHash: "abc", VersionID: "v1", Timestamp: ts,
		Payload: ir.Payload{"n": ir.Int(1)},
	}
	require.NoError(t, rel.Upsert(ctx, apply.DefaultTable, "5", apply.FieldsFor(snap)))

	row, ok, err := rel.Get(ctx, apply.DefaultTable, "5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", row.String(apply.FieldContentHash))
}
