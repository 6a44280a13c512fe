package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/backend/memory"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/engine"
	"github.com/yangjrun/novellus-sub001/internal/ir"
	"github.com/yangjrun/novellus-sub001/internal/metrics"
	"github.com/yangjrun/novellus-sub001/internal/store"
	"github.com/yangjrun/novellus-sub001/internal/testutil"
)

const (
	// runTimeout bounds a whole scenario.
	runTimeout = 30 * time.Second
	// settleTimeout bounds how long one event may take to settle.
	settleTimeout = 10 * time.Second
	settlePoll    = time.Millisecond
)

// Harness is the test execution engine.
// It runs scenarios with a manual clock and sequential IDs against a real
// Engine backed by in-memory stores and an in-memory SQLite ledger.
type Harness struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	clock   *testutil.ManualClock
	start   time.Time
	logger  *slog.Logger

	// Observation cursors: how much of each log is already traced.
	versionsSeen    map[string]int
	conflictsSeen   int
	deadLettersSeen int
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. The
// engine runs a single worker so that IDs are handed out in step order.
//
// Execution flow:
//  1. Create fresh in-memory ledger and stores, inject faults
//  2. Start the engine
//  3. Execute steps, tracing what each produced
//  4. Shut down and trace final snapshots
//  5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	rel := memory.NewRelational()
	doc := memory.NewDocument()
	injectFaults(rel, doc, scenario.Faults)

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clock := testutil.NewManualClock(start)
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	eng, err := engine.New(scenarioConfig(scenario), engine.Deps{
		Relational:  rel,
		Document:    doc,
		Versions:    st,
		Conflicts:   st,
		DeadLetters: st,
	},
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("id")),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	h := &Harness{
		engine:       eng,
		metrics:      m,
		clock:        clock,
		start:        start,
		logger:       logger,
		versionsSeen: make(map[string]int),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			eng.Shutdown()
			<-runErr
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	eng.Shutdown()
	if err := <-runErr; err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	h.traceSnapshots(result)
	result.Metrics = m.Snapshot()

	actx := &AssertionContext{
		Engine: eng,
		Ctx:    ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// scenarioConfig returns a fast, single-worker engine configuration.
func scenarioConfig(s *Scenario) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.BufferSize = 64
	cfg.PutTimeout = 0
	cfg.Workers = 1
	cfg.PollInterval = 2 * time.Millisecond
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond
	cfg.WindowSize = time.Minute
	cfg.WindowSlide = time.Minute
	cfg.WindowTick = 10 * time.Millisecond
	cfg.Policy = s.Policy.Policy()
	cfg.VolatileFields = s.VolatileFields
	if s.MaxRetries != nil {
		cfg.MaxRetries = *s.MaxRetries
	}
	return cfg
}

func injectFaults(rel *memory.Relational, doc *memory.Document, faults []Fault) {
	var relFns, docFns []memory.FaultFunc
	for _, f := range faults {
		msg := f.Error
		if msg == "" {
			msg = fmt.Sprintf("injected %s %s failure", f.Store, f.Op)
		}
		fn := memory.FailAlways(memory.Op(f.Op), errors.New(msg))
		if f.Times > 0 {
			fn = memory.FailTimes(memory.Op(f.Op), f.Times, errors.New(msg))
		}
		if f.Store == "relational" {
			relFns = append(relFns, fn)
		} else {
			docFns = append(docFns, fn)
		}
	}
	if len(relFns) > 0 {
		rel.Inject(chain(relFns))
	}
	if len(docFns) > 0 {
		doc.Inject(chain(docFns))
	}
}

// chain runs fns in order and returns the first error.
func chain(fns []memory.FaultFunc) memory.FaultFunc {
	return func(ctx context.Context, op memory.Op, key string) error {
		for _, fn := range fns {
			if err := fn(ctx, op, key); err != nil {
				return err
			}
		}
		return nil
	}
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	if step.Resolve != nil {
		return h.executeResolve(ctx, *step.Resolve, result)
	}
	return h.executeEvent(ctx, *step.Event, result)
}

// executeEvent submits one event and waits until it settles.
func (h *Harness) executeEvent(ctx context.Context, step EventStep, result *Result) error {
	payload, err := ir.PayloadFromMap(step.Payload)
	if err != nil {
		return fmt.Errorf("event %s: payload: %w", step.ID, err)
	}
	ts := h.start.Add(step.At)
	h.clock.Set(ts)

	source := step.Source
	if source == "" {
		source = "scenario"
	}
	ev := ir.ChangeEvent{
		EventID:     step.ID,
		RecordID:    step.RecordID,
		ContentType: step.ContentType,
		Timestamp:   ts,
		Payload:     payload,
		Source:      source,
		MaxRetries:  -1,
	}
	if step.MaxRetries != nil {
		ev.MaxRetries = *step.MaxRetries
	}

	before := h.metrics.Snapshot()
	result.add(EntrySubmit, ir.Object{
		"event_id":  ir.String(ev.EventID),
		"record_id": ir.String(ev.RecordID),
		"timestamp": ir.String(ts.Format(time.RFC3339Nano)),
	})

	// A rejected submission is dead-lettered, which settles it.
	_ = h.engine.Submit(ctx, ev)

	after, err := h.settle(ctx, settled(before)+1)
	if err != nil {
		return fmt.Errorf("event %s: %w", step.ID, err)
	}

	if failed := after.EventsFailed - before.EventsFailed; failed > 0 {
		result.add(EntryFailed, ir.Object{
			"event_id": ir.String(ev.EventID),
			"attempts": ir.Int(failed),
		})
	}
	h.traceVersions(result)
	h.traceConflicts(result)
	if after.EventsNoChange > before.EventsNoChange {
		result.add(EntryNoChange, ir.Object{
			"event_id":  ir.String(ev.EventID),
			"record_id": ir.String(ev.RecordID),
		})
	}
	h.traceDeadLetters(result)
	return nil
}

// executeResolve applies a manual resolution. Refusals are traced, not
// returned, so scenarios can exercise them.
func (h *Harness) executeResolve(ctx context.Context, step ResolveStep, result *Result) error {
	value, err := ir.FromAny(step.Value)
	if err != nil {
		return fmt.Errorf("resolve %s: value: %w", step.Conflict, err)
	}
	h.clock.Set(h.start.Add(step.At))

	_, err = h.engine.ResolveConflict(ctx, step.Conflict, value)
	switch {
	case err == nil:
		result.add(EntryResolve, ir.Object{
			"conflict_id": ir.String(step.Conflict),
			"value":       value,
		})
	case errors.Is(err, conflict.ErrNotFound):
		result.add(EntryResolveRefused, ir.Object{
			"conflict_id": ir.String(step.Conflict),
			"reason":      ir.String("not_found"),
		})
	case errors.Is(err, conflict.ErrAlreadyResolved):
		result.add(EntryResolveRefused, ir.Object{
			"conflict_id": ir.String(step.Conflict),
			"reason":      ir.String("already_resolved"),
		})
	default:
		return fmt.Errorf("resolve %s: %w", step.Conflict, err)
	}

	h.traceVersions(result)
	h.traceConflicts(result)
	return nil
}

// settled counts events that reached a final outcome.
func settled(s metrics.Snapshot) int64 {
	return s.EventsProcessed + s.EventsNoChange + s.EventsDeadLettered
}

func (h *Harness) settle(ctx context.Context, want int64) (metrics.Snapshot, error) {
	deadline := time.Now().Add(settleTimeout)
	for {
		snap := h.metrics.Snapshot()
		if settled(snap) >= want {
			return snap, nil
		}
		if time.Now().After(deadline) {
			return snap, fmt.Errorf("did not settle within %s", settleTimeout)
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-time.After(settlePoll):
		}
	}
}

// traceVersions adds versions committed since the last call, by record.
func (h *Harness) traceVersions(result *Result) {
	for _, snap := range h.engine.Snapshots() {
		history := h.engine.History(snap.RecordID)
		seen := h.versionsSeen[snap.RecordID]
		if seen > len(history) {
			seen = 0
		}
		for _, v := range history[seen:] {
			entry := ir.Object{
				"event_id":   ir.String(v.EventID),
				"record_id":  ir.String(v.RecordID),
				"version_id": ir.String(v.VersionID),
				"changes":    changesValue(v.Changes),
			}
			if v.ParentVersionID != "" {
				entry["parent_version_id"] = ir.String(v.ParentVersionID)
			}
			result.add(EntryVersion, entry)
		}
		h.versionsSeen[snap.RecordID] = len(history)
	}
}

func changesValue(changes map[string]ir.FieldChange) ir.Object {
	out := make(ir.Object, len(changes))
	for field, c := range changes {
		fc := ir.Object{}
		if c.Old != nil {
			fc["old"] = c.Old
		}
		if c.New != nil {
			fc["new"] = c.New
		}
		out[field] = fc
	}
	return out
}

// traceConflicts adds conflicts logged since the last call.
func (h *Harness) traceConflicts(result *Result) {
	all := h.engine.Conflicts()
	for _, c := range all[min(h.conflictsSeen, len(all)):] {
		entry := ir.Object{
			"conflict_id": ir.String(c.ConflictID),
			"event_id":    ir.String(c.EventID),
			"record_id":   ir.String(c.RecordID),
			"field":       ir.String(c.FieldName),
			"strategy":    ir.String(c.Strategy),
			"local":       orNull(c.LocalValue),
			"remote":      orNull(c.RemoteValue),
			"resolved":    ir.Bool(c.Resolved),
		}
		if c.ResolvedValue != nil {
			entry["resolved_value"] = c.ResolvedValue
		}
		result.add(EntryConflict, entry)
	}
	h.conflictsSeen = len(all)
}

// traceDeadLetters adds dead letters recorded since the last call.
func (h *Harness) traceDeadLetters(result *Result) {
	all := h.engine.DeadLetters()
	for _, dl := range all[min(h.deadLettersSeen, len(all)):] {
		result.add(EntryDeadLetter, ir.Object{
			"event_id":    ir.String(dl.Event.EventID),
			"record_id":   ir.String(dl.Event.RecordID),
			"kind":        ir.String(dl.Kind),
			"retry_count": ir.Int(dl.Event.RetryCount),
		})
	}
	h.deadLettersSeen = len(all)
}

// traceSnapshots adds the final state of every record.
func (h *Harness) traceSnapshots(result *Result) {
	for _, snap := range h.engine.Snapshots() {
		entry := ir.Object{
			"record_id":  ir.String(snap.RecordID),
			"version_id": ir.String(snap.VersionID),
			"payload":    snap.Payload.Clone(),
		}
		if len(snap.Provisional) > 0 {
			fields := make(ir.Array, len(snap.Provisional))
			for i, f := range snap.Provisional {
				fields[i] = ir.String(f)
			}
			entry["provisional"] = fields
		}
		result.add(EntrySnapshot, entry)
	}
}

func orNull(v ir.Value) ir.Value {
	if v == nil {
		return ir.Null{}
	}
	return v
}
