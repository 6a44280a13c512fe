package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangjrun/novellus-sub001/internal/apply"
	"github.com/yangjrun/novellus-sub001/internal/backend/memory"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/ir"
	"github.com/yangjrun/novellus-sub001/internal/window"
	itestutil "github.com/yangjrun/novellus-sub001/internal/testutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	rel    *memory.Relational
	doc    *memory.Document
	clock  *itestutil.ManualClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BufferSize = 100
	cfg.PutTimeout = 0
	cfg.Workers = 4
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.WindowTick = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config), deps Deps, opts ...Option) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		rel:   memory.NewRelational(),
		doc:   memory.NewDocument(),
		clock: itestutil.NewManualClock(t0),
	}
	if deps.Relational == nil {
		deps.Relational = h.rel
	}
	if deps.Document == nil {
		deps.Document = h.doc
	}
	opts = append([]Option{
		WithClock(h.clock),
		WithIDGenerator(itestutil.NewSequentialIDs("id")),
	}, opts...)

	e, err := New(cfg, deps, opts...)
	require.NoError(t, err)
	h.engine = e
	return h
}

// start runs the engine and returns a function that shuts it down and
// returns Run's result.
func (h *harness) start(t *testing.T) func() error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.Run(context.Background())
	}()
	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			h.engine.Shutdown()
			select {
			case runErr = <-errCh:
			case <-time.After(5 * time.Second):
				runErr = errors.New("engine did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func event(id, recordID string, ts time.Time, p ir.Payload) ir.ChangeEvent {
	return ir.ChangeEvent{
		EventID:     id,
		RecordID:    recordID,
		ContentType: "character",
		Timestamp:   ts,
		Payload:     p,
		Source:      "test",
		MaxRetries:  3,
	}
}

func (h *harness) submit(t *testing.T, ev ir.ChangeEvent) {
	t.Helper()
	require.NoError(t, h.engine.Submit(context.Background(), ev))
}

func (h *harness) waitProcessed(t *testing.T, n int) {
	t.Helper()
	m := h.engine.Metrics()
	require.Eventually(t, func() bool {
		done := testutil.ToFloat64(m.EventsProcessed) + testutil.ToFloat64(m.EventsNoChange)
		return int(done) >= n
	}, 5*time.Second, 2*time.Millisecond)
}

func (h *harness) waitDeadLetters(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.engine.DeadLetters()) >= n
	}, 5*time.Second, 2*time.Millisecond)
}

func TestEngine_NewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 0
	_, err := New(cfg, Deps{Relational: memory.NewRelational(), Document: memory.NewDocument()})
	assert.ErrorContains(t, err, "workers")

	_, err = New(testConfig(), Deps{})
	assert.ErrorContains(t, err, "stores are required")
}

func TestEngine_InsertAppliesToBothStores(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	stop := h.start(t)

	h.submit(t, event("e1", "7", t0, ir.Payload{"name": ir.String("  Aria ")}))
	h.waitProcessed(t, 1)
	require.NoError(t, stop())

	snap := h.engine.Snapshot("7")
	require.NotNil(t, snap)
	assert.Equal(t, ir.String("Aria"), snap.Payload["name"], "normalized before apply")

	row, ok, err := h.rel.Get(context.Background(), apply.DefaultTable, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.ContentHash, row.String(apply.FieldContentHash))

	doc, ok, err := h.doc.Find(context.Background(), apply.DefaultCollection, apply.Filter{apply.FieldRecordID: "7"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.ContentHash, doc.String(apply.FieldContentHash))

	history := h.engine.History("7")
	require.Len(t, history, 1)
	assert.Empty(t, history[0].ParentVersionID)
	assert.Equal(t, "e1", history[0].EventID)
	assert.Empty(t, h.engine.Mismatches())
}

func TestEngine_IdempotentResubmission(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	stop := h.start(t)

	p := ir.Payload{"name": ir.String("Aria"), "age": ir.Int(30)}
	h.submit(t, event("e1", "7", t0, p))
	h.waitProcessed(t, 1)

	// Same content, new event ID, and a payload differing only in a
	// volatile field.
	h.submit(t, event("e2", "7", t0.Add(time.Second), p))
	withVolatile := p.Clone()
	withVolatile["processed_at"] = ir.String("2024-03-01T12:00:05Z")
	h.submit(t, event("e3", "7", t0.Add(2*time.Second), withVolatile))
	h.waitProcessed(t, 3)
	require.NoError(t, stop())

	m := h.engine.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsProcessed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsNoChange))
	assert.Len(t, h.engine.History("7"), 1)
	assert.Equal(t, 1, h.rel.Calls(memory.OpUpsert))
}

func TestEngine_PerRecordOrdering(t *testing.T) {
	const n = 60
	h := newHarness(t, func(c *Config) { c.Workers = 8 }, Deps{})

	// Submit everything before the workers start so they compete for the
	// same record.
	for i := 1; i <= n; i++ {
		h.submit(t, event(fmt.Sprintf("e%02d", i), "r", t0.Add(time.Duration(i)*time.Millisecond),
			ir.Payload{"n": ir.Int(i)}))
	}
	stop := h.start(t)
	h.waitProcessed(t, n)
	require.NoError(t, stop())

	history := h.engine.History("r")
	require.Len(t, history, n)
	for i, v := range history {
		assert.Equal(t, fmt.Sprintf("e%02d", i+1), v.EventID)
		if i > 0 {
			assert.Equal(t, history[i-1].VersionID, v.ParentVersionID)
		}
	}
	assert.Equal(t, ir.Int(n), h.engine.Snapshot("r").Payload["n"])
}

func TestEngine_Backpressure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BufferSize = 2 }, Deps{})
	ctx := context.Background()

	require.NoError(t, h.engine.Submit(ctx, event("e1", "1", t0, ir.Payload{})))
	require.NoError(t, h.engine.Submit(ctx, event("e2", "2", t0, ir.Payload{})))

	err := h.engine.Submit(ctx, event("e3", "3", t0, ir.Payload{}))
	require.Error(t, err)
	assert.True(t, ir.IsBackpressure(err))

	dead := h.engine.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ir.DeadLetterBackpressure, dead[0].Kind)
	assert.Equal(t, "e3", dead[0].Event.EventID)
	assert.Equal(t, t0, dead[0].FailedAt)

	m := h.engine.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackpressureEvents))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BufferOccupancy))
}

func TestEngine_RetryExhaustion(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	h.rel.Inject(memory.FailAlways(memory.OpUpsert, errors.New("connection refused")))
	stop := h.start(t)

	ev := event("e1", "9", t0, ir.Payload{"a": ir.Int(1)})
	ev.MaxRetries = 2
	h.submit(t, ev)
	h.waitDeadLetters(t, 1)
	require.NoError(t, stop())

	dead := h.engine.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ir.DeadLetterExhausted, dead[0].Kind)
	assert.Equal(t, 3, dead[0].Event.RetryCount, "retry_count == max_retries + 1")
	assert.Contains(t, dead[0].Error, "TRANSIENT_STORE")

	m := h.engine.Metrics()
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsFailed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsRetried))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsProcessed))
	assert.Nil(t, h.engine.Snapshot("9"), "no snapshot without both stores")
	assert.Empty(t, h.engine.History("9"), "no orphan versions")
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	h.doc.Inject(memory.FailTimes(memory.OpUpsert, 2, errors.New("timeout")))
	stop := h.start(t)

	h.submit(t, event("e1", "9", t0, ir.Payload{"a": ir.Int(1)}))
	h.waitProcessed(t, 1)
	require.NoError(t, stop())

	assert.Empty(t, h.engine.DeadLetters())
	assert.Len(t, h.engine.History("9"), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.engine.Metrics().EventsRetried))
}

func TestEngine_ValidationIsNotRetried(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	stop := h.start(t)

	h.submit(t, event("e1", "", t0, ir.Payload{"a": ir.Int(1)}))
	h.submit(t, event("e2", "5", t0, ir.Payload{"conf": ir.Float(math.NaN())}))
	h.waitDeadLetters(t, 2)
	require.NoError(t, stop())

	for _, dl := range h.engine.DeadLetters() {
		assert.Equal(t, ir.DeadLetterValidation, dl.Kind)
		assert.Equal(t, 0, dl.Event.RetryCount)
		assert.Contains(t, dl.Error, "PERMANENT_VALIDATION")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(h.engine.Metrics().EventsRetried))
	assert.Zero(t, h.rel.Calls(memory.OpUpsert))
}

func TestEngine_PanicIsRecoveredAndRetried(t *testing.T) {
	var calls atomic.Int32
	panicky := normalizerFunc(func(p ir.Payload) ir.Payload {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return p
	})
	h := newHarness(t, nil, Deps{Normalizer: panicky})
	stop := h.start(t)

	h.submit(t, event("e1", "1", t0, ir.Payload{"a": ir.Int(1)}))
	h.waitProcessed(t, 1)
	require.NoError(t, stop())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.Metrics().EventsFailed))
	assert.NotNil(t, h.engine.Snapshot("1"))
}

func TestEngine_Record42HighestConfidence(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Policy = conflict.Policy{
			DefaultStrategy: ir.StrategyLatestWins,
			Fields: map[string]conflict.FieldRule{
				"conf": {Kind: conflict.KindConfidence, Strategy: ir.StrategyHighestConfidence},
			},
		}
	}, Deps{})
	stop := h.start(t)

	h.submit(t, event("e1", "42", t0, ir.Payload{"name": ir.String("A"), "conf": ir.Float(0.5)}))
	h.waitProcessed(t, 1)
	h.submit(t, event("e2", "42", t0.Add(10*time.Millisecond), ir.Payload{"name": ir.String("A"), "conf": ir.Float(0.9)}))
	h.waitProcessed(t, 2)
	require.NoError(t, stop())

	conflicts := h.engine.Conflicts()
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "conf", c.FieldName)
	assert.True(t, c.Resolved)
	assert.Equal(t, ir.Float(0.9), c.ResolvedValue)
	assert.Equal(t, "e2", c.EventID)

	history := h.engine.History("42")
	require.Len(t, history, 2)
	assert.Equal(t, history[0].VersionID, history[1].ParentVersionID)
	assert.Equal(t, ir.FieldChange{Old: ir.Float(0.5), New: ir.Float(0.9)}, history[1].Changes["conf"])

	assert.Equal(t, ir.Float(0.9), h.engine.Snapshot("42").Payload["conf"])
	m := h.engine.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsDetected.WithLabelValues("highest_confidence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsResolved.WithLabelValues("highest_confidence")))
}

func TestEngine_PreserveOriginalKeepsLocal(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Policy = conflict.Policy{DefaultStrategy: ir.StrategyPreserveOriginal}
	}, Deps{})
	stop := h.start(t)

	h.submit(t, event("e1", "1", t0, ir.Payload{"name": ir.String("L")}))
	h.waitProcessed(t, 1)
	h.submit(t, event("e2", "1", t0.Add(time.Second), ir.Payload{"name": ir.String("R")}))
	h.waitProcessed(t, 2)
	require.NoError(t, stop())

	assert.Equal(t, ir.String("L"), h.engine.Snapshot("1").Payload["name"])
	assert.Len(t, h.engine.History("1"), 1, "resolved state equals stored state")
	assert.Len(t, h.engine.Conflicts(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.Metrics().EventsNoChange))
}

func TestEngine_ManualReviewAndResolve(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Policy = conflict.Policy{DefaultStrategy: ir.StrategyManualReview}
	}, Deps{})
	stop := h.start(t)
	ctx := context.Background()

	h.submit(t, event("e1", "3", t0, ir.Payload{"lore": ir.String("old")}))
	h.waitProcessed(t, 1)
	h.submit(t, event("e2", "3", t0.Add(time.Second), ir.Payload{"lore": ir.String("new")}))
	h.waitProcessed(t, 2)

	unresolved := h.engine.UnresolvedConflicts()
	require.Len(t, unresolved, 1)
	snap := h.engine.Snapshot("3")
	assert.Equal(t, ir.String("new"), snap.Payload["lore"], "remote applied provisionally")
	assert.Equal(t, []string{"lore"}, snap.Provisional)

	rec, err := h.engine.ResolveConflict(ctx, unresolved[0].ConflictID, ir.String("canon"))
	require.NoError(t, err)
	assert.True(t, rec.Resolved)
	assert.Equal(t, ir.String("canon"), rec.ResolvedValue)

	snap = h.engine.Snapshot("3")
	assert.Equal(t, ir.String("canon"), snap.Payload["lore"])
	assert.Empty(t, snap.Provisional)
	assert.Empty(t, h.engine.UnresolvedConflicts())
	assert.Len(t, h.engine.History("3"), 3)

	_, err = h.engine.ResolveConflict(ctx, unresolved[0].ConflictID, ir.String("again"))
	assert.ErrorIs(t, err, conflict.ErrAlreadyResolved)
	_, err = h.engine.ResolveConflict(ctx, "missing", ir.String("x"))
	assert.ErrorIs(t, err, conflict.ErrNotFound)

	require.NoError(t, stop())
}

// lossyDocument drops merges, leaving the document store behind.
type lossyDocument struct {
	*memory.Document
}

func (lossyDocument) Merge(context.Context, string, apply.Filter, apply.Fields) error {
	return nil
}

func TestEngine_ConsistencyMismatchAndReconcile(t *testing.T) {
	doc := lossyDocument{memory.NewDocument()}
	h := newHarness(t, nil, Deps{Document: doc})
	stop := h.start(t)

	h.submit(t, event("e1", "1", t0, ir.Payload{"v": ir.Int(1)}))
	h.waitProcessed(t, 1)
	h.submit(t, event("e2", "1", t0.Add(time.Second), ir.Payload{"v": ir.Int(2)}))
	h.waitProcessed(t, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.Metrics().ConsistencyMismatches))
	mismatches := h.engine.Mismatches()
	require.Len(t, mismatches, 1)
	assert.Equal(t, "1", mismatches[0].RecordID)

	repaired, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Empty(t, h.engine.Mismatches())

	require.NoError(t, stop())
}

func TestEngine_ShutdownDrainsBufferToDeadLetters(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	for i := range 3 {
		h.submit(t, event(fmt.Sprintf("e%d", i), "r", t0, ir.Payload{"i": ir.Int(i)}))
	}

	h.engine.Shutdown()
	require.NoError(t, h.engine.Run(context.Background()))

	dead := h.engine.DeadLetters()
	require.Len(t, dead, 3)
	for _, dl := range dead {
		assert.Equal(t, ir.DeadLetterShutdown, dl.Kind)
	}
	assert.Zero(t, h.engine.Pending())

	err := h.engine.Submit(context.Background(), event("late", "r", t0, ir.Payload{}))
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, h.engine.Run(context.Background()), ErrAlreadyRunning)
}

func TestEngine_ShutdownCancelsPendingRetries(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BaseDelay = time.Hour
		c.MaxDelay = time.Hour
	}, Deps{})
	h.rel.Inject(memory.FailAlways(memory.OpUpsert, errors.New("down")))
	stop := h.start(t)

	h.submit(t, event("e1", "1", t0, ir.Payload{"a": ir.Int(1)}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.engine.Metrics().EventsRetried) == 1
	}, 5*time.Second, 2*time.Millisecond)
	require.NoError(t, stop())

	dead := h.engine.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ir.DeadLetterShutdown, dead[0].Kind)
	assert.Equal(t, 1, dead[0].Event.RetryCount)
}

func TestEngine_WindowsAreProcessed(t *testing.T) {
	windows := make(chan ir.StreamWindow, 8)
	h := newHarness(t, func(c *Config) {
		c.WindowSize = time.Minute
		c.WindowSlide = time.Minute
	}, Deps{}, WithWindowCallback(func(_ context.Context, w ir.StreamWindow) error {
		windows <- w
		return nil
	}))
	stop := h.start(t)

	h.submit(t, event("e1", "1", t0.Add(10*time.Second), ir.Payload{"a": ir.Int(1)}))
	h.submit(t, event("e2", "2", t0.Add(20*time.Second), ir.Payload{"a": ir.Int(2)}))
	h.waitProcessed(t, 2)
	h.clock.Advance(2 * time.Minute)

	select {
	case w := <-windows:
		stats := w.Stats()
		assert.Equal(t, 2, stats.EventCount)
		assert.Equal(t, 2, stats.RecordCount)
	case <-time.After(5 * time.Second):
		t.Fatal("window was not processed")
	}

	require.Eventually(t, func() bool {
		w, ok := h.engine.windows.Get(window.ID(t0))
		return ok && w.Processed
	}, time.Second, 2*time.Millisecond)

	// The window is processed now; a straggler is counted as late.
	h.submit(t, event("e3", "3", t0.Add(30*time.Second), ir.Payload{"a": ir.Int(3)}))
	h.waitProcessed(t, 3)
	require.NoError(t, stop())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.Metrics().LateWindowEvents))
}

func TestEngine_SubmitFillsDefaults(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	ev := ir.ChangeEvent{RecordID: "1", MaxRetries: -1}
	require.NoError(t, h.engine.Submit(context.Background(), ev))

	h.engine.Shutdown()
	require.NoError(t, h.engine.Run(context.Background()))

	dead := h.engine.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "id-0001", dead[0].Event.EventID)
	assert.Equal(t, t0, dead[0].Event.Timestamp)
	assert.Equal(t, 3, dead[0].Event.MaxRetries)
}

type normalizerFunc func(ir.Payload) ir.Payload

func (f normalizerFunc) Normalize(_ string, p ir.Payload) (ir.Payload, error) {
	return f(p), nil
}
