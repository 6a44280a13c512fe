package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_GoldenScenarios(t *testing.T) {
	scenarios, err := LoadScenarioDir("testdata/scenarios")
	require.NoError(t, err)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/02_preserve_original_merge.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: first.Trace}).Canonical()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: second.Trace}).Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_Metrics(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/04_retries.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	m := result.Metrics
	assert.Equal(t, int64(1), m.EventsProcessed)
	assert.Equal(t, int64(6), m.EventsFailed)
	assert.Equal(t, int64(4), m.EventsRetried)
	assert.Equal(t, int64(2), m.EventsDeadLettered)
	assert.Equal(t, int64(1), m.DeadLettersByKind["retries_exhausted"])
	assert.Equal(t, int64(1), m.DeadLettersByKind["validation"])
}

func TestRun_FailingAssertionsReported(t *testing.T) {
	s := &Scenario{
		Name:        "failing",
		Description: "assertions that do not hold",
		Start:       DefaultStart,
		Steps: []Step{
			{Event: &EventStep{ID: "e1", RecordID: "1", Payload: map[string]any{"a": 1}}},
		},
		Assertions: []Assertion{
			{Type: AssertVersionCount, RecordID: "1", Count: 2},
			{Type: AssertSnapshot, RecordID: "1", Expect: map[string]any{"a": 2}},
			{Type: AssertDeadLetterCount, Count: 0},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "2 versions of 1")
	assert.Contains(t, result.Errors[1], `field "a" = 2`)
}

func TestRun_ResolveUnknownConflict(t *testing.T) {
	s := &Scenario{
		Name:        "unknown_conflict",
		Description: "resolving a conflict that does not exist is refused",
		Start:       DefaultStart,
		Steps: []Step{
			{Event: &EventStep{ID: "e1", RecordID: "1", Payload: map[string]any{"a": 1}}},
			{Resolve: &ResolveStep{Conflict: "nope", At: time.Minute, Value: 1}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Entry: EntryResolveRefused, Count: 1},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	last := result.Trace[len(result.Trace)-2]
	assert.Equal(t, EntryResolveRefused, last.Type())
	assert.Equal(t, "not_found", last.String("reason"))
}

func TestRun_VolatileFieldsIgnored(t *testing.T) {
	s := &Scenario{
		Name:           "volatile",
		Description:    "a change to a volatile field is a no-op",
		Start:          DefaultStart,
		VolatileFields: []string{"seen_at"},
		Steps: []Step{
			{Event: &EventStep{ID: "e1", RecordID: "1", Payload: map[string]any{"a": 1, "seen_at": "x"}}},
			{Event: &EventStep{ID: "e2", RecordID: "1", At: time.Second, Payload: map[string]any{"a": 1, "seen_at": "y"}}},
		},
		Assertions: []Assertion{
			{Type: AssertVersionCount, RecordID: "1", Count: 1},
			{Type: AssertTraceCount, Entry: EntryNoChange, EventID: "e2", Count: 1},
			{Type: AssertConflictCount, Count: 0},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InvalidPayload(t *testing.T) {
	s := &Scenario{
		Name:        "bad_payload",
		Description: "payload values must convert",
		Steps: []Step{
			{Event: &EventStep{ID: "e1", RecordID: "1", Payload: map[string]any{"a": struct{}{}}}},
		},
		Assertions: []Assertion{{Type: AssertConsistent}},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0")
}
