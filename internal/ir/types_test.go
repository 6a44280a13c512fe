package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEventRetry(t *testing.T) {
	ev := ChangeEvent{EventID: "e1", RecordID: "r1", MaxRetries: 2}

	next := ev.Retry()
	assert.Equal(t, 0, ev.RetryCount, "original is not mutated")
	assert.Equal(t, 1, next.RetryCount)
	assert.False(t, next.Exhausted())

	next = next.Retry().Retry()
	assert.Equal(t, 3, next.RetryCount)
	assert.True(t, next.Exhausted())
}

func TestRecordSnapshotClone(t *testing.T) {
	var nilSnap *RecordSnapshot
	assert.Nil(t, nilSnap.Clone())

	snap := &RecordSnapshot{
		RecordID:    "r1",
		Payload:     Payload{"name": String("A")},
		Provisional: []string{"name"},
	}
	cp := snap.Clone()
	cp.Payload["name"] = String("B")
	cp.Provisional[0] = "other"

	assert.Equal(t, String("A"), snap.Payload["name"])
	assert.Equal(t, "name", snap.Provisional[0])
}

func TestConflictRecordJSON(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := ConflictRecord{
		ConflictID:    "c1",
		RecordID:      "42",
		FieldName:     "conf",
		LocalValue:    Float(0.5),
		RemoteValue:   Float(0.9),
		Strategy:      StrategyHighestConfidence,
		Resolved:      true,
		ResolvedValue: Float(0.9),
		ResolvedAt:    &at,
		DetectedAt:    at,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var back ConflictRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "c1", back.ConflictID)
	assert.Equal(t, StrategyHighestConfidence, back.Strategy)
	assert.Equal(t, Float(0.5), back.LocalValue)
	assert.Equal(t, Float(0.9), back.ResolvedValue)
	require.NotNil(t, back.ResolvedAt)
	assert.True(t, at.Equal(*back.ResolvedAt))
}

func TestFieldChangeJSONNulls(t *testing.T) {
	var fc FieldChange
	require.NoError(t, json.Unmarshal([]byte(`{"old":null,"new":"x"}`), &fc))
	assert.Nil(t, fc.Old)
	assert.Equal(t, String("x"), fc.New)
}

func TestWindowStats(t *testing.T) {
	w := StreamWindow{
		WindowID: "w1",
		Events: []ChangeEvent{
			{RecordID: "a", ContentType: "character"},
			{RecordID: "a", ContentType: "character"},
			{RecordID: "b", ContentType: "location"},
		},
	}

	stats := w.Stats()
	assert.Equal(t, 3, stats.EventCount)
	assert.Equal(t, 2, stats.RecordCount)
	assert.Equal(t, map[string]int{"character": 2, "location": 1}, stats.ContentTypes)
}

func TestEventFingerprint(t *testing.T) {
	a, err := EventFingerprint("r1", Payload{"x": Int(1), "y": String("z")})
	require.NoError(t, err)
	b, err := EventFingerprint("r1", Payload{"y": String("z"), "x": Int(1)})
	require.NoError(t, err)
	c, err := EventFingerprint("r2", Payload{"x": Int(1), "y": String("z")})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, HashWithDomain(DomainContent, data), HashWithDomain(DomainEvent, data))
}
