package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yangjrun/novellus-sub001/internal/engine"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			data, _ := event.MarshalJSON()
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, data)
		}
	}

	return buf.String()
}

// AssertionContext provides the engine state assertions inspect.
type AssertionContext struct {
	Engine *engine.Engine
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// Assertions other than trace_count and trace_order need actx.Engine.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertSnapshot, AssertVersionCount, AssertConflict, AssertConflictCount,
			AssertDeadLetter, AssertDeadLetterCount, AssertConsistent:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: %s requires engine context", i, assertion.Type)
				break
			}
			err = evaluateState(actx.Engine, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func evaluateState(eng *engine.Engine, a Assertion) error {
	switch a.Type {
	case AssertSnapshot:
		return assertSnapshot(eng, a)
	case AssertVersionCount:
		return assertCount(a, "versions of "+a.RecordID, len(eng.History(a.RecordID)))
	case AssertConflict:
		return assertConflict(eng, a)
	case AssertConflictCount:
		return assertCount(a, "conflicts", len(filterConflicts(eng, a)))
	case AssertDeadLetter:
		return assertDeadLetter(eng, a)
	case AssertDeadLetterCount:
		n := 0
		for _, dl := range eng.DeadLetters() {
			if a.Kind == "" || string(dl.Kind) == a.Kind {
				n++
			}
		}
		return assertCount(a, "dead letters", n)
	default:
		return assertConsistent(eng)
	}
}

func assertCount(a Assertion, what string, got int) error {
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d %s", got, what),
		}
	}
	return nil
}

// assertSnapshot compares the listed payload fields and, when given, the
// exact provisional field set.
func assertSnapshot(eng *engine.Engine, a Assertion) error {
	snap := eng.Snapshot(a.RecordID)
	if snap == nil {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("snapshot of record %s", a.RecordID),
			Actual:   "no snapshot",
		}
	}
	if err := matchSubset(a.Type, snap.Payload, a.Expect); err != nil {
		return err
	}
	if a.Provisional != nil {
		want := append([]string(nil), a.Provisional...)
		got := append([]string(nil), snap.Provisional...)
		sort.Strings(want)
		sort.Strings(got)
		if strings.Join(want, ",") != strings.Join(got, ",") {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("provisional fields %v", want),
				Actual:   fmt.Sprintf("provisional fields %v", got),
			}
		}
	}
	return nil
}

// assertConflict passes when any conflict on the field (and record, when
// given) matches every expected key.
func assertConflict(eng *engine.Engine, a Assertion) error {
	candidates := filterConflicts(eng, a)
	if len(candidates) == 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("conflict on field %s", a.Field),
			Actual:   "no conflict",
		}
	}
	var last error
	for _, c := range candidates {
		obj, err := asObject(c)
		if err != nil {
			return err
		}
		if last = matchSubset(a.Type, obj, a.Expect); last == nil {
			return nil
		}
	}
	return last
}

func filterConflicts(eng *engine.Engine, a Assertion) []ir.ConflictRecord {
	var out []ir.ConflictRecord
	for _, c := range eng.Conflicts() {
		if a.RecordID != "" && c.RecordID != a.RecordID {
			continue
		}
		if a.Field != "" && c.FieldName != a.Field {
			continue
		}
		if a.Unresolved && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	return out
}

func assertDeadLetter(eng *engine.Engine, a Assertion) error {
	for _, dl := range eng.DeadLetters() {
		if dl.Event.EventID != a.EventID {
			continue
		}
		obj, err := asObject(dl)
		if err != nil {
			return err
		}
		return matchSubset(a.Type, obj, a.Expect)
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("dead letter for event %s", a.EventID),
		Actual:   "not dead-lettered",
	}
}

func assertConsistent(eng *engine.Engine) error {
	if m := eng.Mismatches(); len(m) > 0 {
		ids := make([]string, len(m))
		for i, mm := range m {
			ids[i] = mm.RecordID
		}
		return &AssertionError{
			Type:     AssertConsistent,
			Expected: "both stores agree on every record",
			Actual:   fmt.Sprintf("mismatched records %v", ids),
		}
	}
	return nil
}

// assertTraceCount counts entries of one kind, optionally restricted to a
// record or event.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type() != a.Entry {
			continue
		}
		if a.RecordID != "" && event.String("record_id") != a.RecordID {
			continue
		}
		if a.EventID != "" && event.String("event_id") != a.EventID {
			continue
		}
		count++
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s entries", a.Count, a.Entry),
			Actual:   fmt.Sprintf("%d entries", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the listed events produced versions in the
// given order. Intervening versions are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type() != EntryVersion {
			continue
		}
		id := event.String("event_id")
		if _, ok := positions[id]; !ok {
			positions[id] = i + 1 // 1-indexed for readability
		}
	}

	for _, id := range a.Events {
		if positions[id] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("versions from all events: %v", a.Events),
				Actual:   fmt.Sprintf("no version from %s", id),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("versions in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// asObject renders v through its JSON form so assertions can address the
// same keys the API exposes.
func asObject(v any) (ir.Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("%T does not render as an object", v)
	}
	return obj, nil
}

// matchSubset checks that every expected key holds an equal value. Keys
// may be dotted paths into nested objects, e.g. "event.retry_count".
// Extra keys in actual are ignored.
func matchSubset(typ string, actual ir.Object, expect map[string]any) error {
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want, err := ir.FromAny(expect[key])
		if err != nil {
			return fmt.Errorf("%s: expect %s: %w", typ, key, err)
		}
		got, ok := lookup(actual, key)
		if !ok {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("field %q = %s", key, render(want)),
				Actual:   fmt.Sprintf("field %q not present", key),
			}
		}
		if !ir.Equal(got, want) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("field %q = %s", key, render(want)),
				Actual:   fmt.Sprintf("field %q = %s", key, render(got)),
			}
		}
	}
	return nil
}

func lookup(obj ir.Object, path string) (ir.Value, bool) {
	parts := strings.Split(path, ".")
	var cur ir.Value = obj
	for _, p := range parts {
		o, ok := cur.(ir.Object)
		if !ok {
			return nil, false
		}
		if cur, ok = o[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func render(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
