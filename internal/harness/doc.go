// Package harness runs change-event scenarios against a real engine.
//
// A scenario submits events one at a time to an engine backed by
// in-memory stores and an in-memory SQLite ledger, records every
// observable outcome in a trace, and checks assertions against the trace
// and the final engine state.
//
// # Scenario Format
//
//	name: record_42_highest_confidence
//	description: "Higher confidence replaces the stored value"
//	start: 2024-03-01T12:00:00Z
//	policy:
//	  default_strategy: highest_confidence
//	faults:
//	  - store: document
//	    op: merge
//	    times: 2
//	steps:
//	  - event:
//	      id: e1
//	      record_id: "42"
//	      payload: { name: Ann, confidence: 0.5 }
//	  - event:
//	      id: e2
//	      record_id: "42"
//	      at: 1m
//	      payload: { confidence: 0.9 }
//	  - resolve:
//	      conflict: id-0002
//	      value: alive
//	assertions:
//	  - type: snapshot
//	    record_id: "42"
//	    expect: { confidence: 0.9 }
//
// # Assertion Types
//
//   - snapshot: payload fields (subset) and provisional fields of a record
//   - version_count: number of versions of a record
//   - conflict: a logged conflict on a field matches the expected keys
//   - conflict_count: number of conflicts, optionally unresolved only
//   - dead_letter: the dead letter of an event matches the expected keys
//   - dead_letter_count: number of dead letters, optionally of one kind
//   - trace_count: number of trace entries of one kind
//   - trace_order: events produced versions in the given order
//   - consistent: both stores agree with every snapshot
//
// # Deterministic Testing
//
// The engine runs one worker with a manual clock set to each step's
// offset and sequential IDs ("id-0001", "id-0002", ...). Each event
// settles before the next is submitted, so traces are identical across
// runs and can be compared against golden files.
package harness
