package harness

import (
	"github.com/yangjrun/novellus-sub001/internal/ir"
	"github.com/yangjrun/novellus-sub001/internal/metrics"
)

// Trace entry types.
const (
	EntrySubmit         = "submit"
	EntryFailed         = "failed"
	EntryVersion        = "version"
	EntryConflict       = "conflict"
	EntryNoChange       = "no_change"
	EntryDeadLetter     = "dead_letter"
	EntryResolve        = "resolve"
	EntryResolveRefused = "resolve_refused"
	EntrySnapshot       = "snapshot"
)

// TraceEvent is one observable pipeline outcome. Every entry carries its
// kind under "type"; the other keys depend on the kind.
type TraceEvent ir.Object

// Type returns the entry kind.
func (e TraceEvent) Type() string {
	return e.String("type")
}

// String returns a string-valued key, or "".
func (e TraceEvent) String(key string) string {
	s, _ := e[key].(ir.String)
	return string(s)
}

// MarshalJSON renders the entry with sorted keys.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	return ir.Object(e).MarshalJSON()
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Trace contains every pipeline outcome in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Metrics holds the counters at the end of the run.
	Metrics metrics.Snapshot `json:"metrics"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends a trace entry of kind typ.
func (r *Result) add(typ string, fields ir.Object) {
	entry := TraceEvent{"type": ir.String(typ)}
	for k, v := range fields {
		entry[k] = v
	}
	r.Trace = append(r.Trace, entry)
}
