package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType distinguishes first writes of a record from later writes.
type ChangeType string

const (
	// ChangeInsert is applied when no snapshot exists for the record.
	ChangeInsert ChangeType = "insert"
	// ChangeUpdate is applied on top of an existing snapshot.
	ChangeUpdate ChangeType = "update"
)

// ChangeEvent is a single content change about one logical record.
//
// Events are treated as immutable once created. A failed apply produces a
// copy with RetryCount incremented (see Retry) which is re-enqueued.
type ChangeEvent struct {
	EventID     string    `json:"event_id"`
	RecordID    string    `json:"record_id"`
	ContentType string    `json:"content_type"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"payload"`
	Source      string    `json:"source"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
}

// Retry returns a copy of the event with RetryCount incremented.
// The payload is shared; payloads are never mutated after submission.
func (e ChangeEvent) Retry() ChangeEvent {
	e.RetryCount++
	return e
}

// Exhausted reports whether the event has used up its retry budget.
func (e ChangeEvent) Exhausted() bool {
	return e.RetryCount > e.MaxRetries
}

// RecordSnapshot is the last successfully applied state of a record.
// Exactly one snapshot is current per record; the version store owns it.
type RecordSnapshot struct {
	RecordID    string    `json:"record_id"`
	ContentType string    `json:"content_type"`
	ContentHash string    `json:"content_hash"`
	VersionID   string    `json:"version_id"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"payload"`

	// Provisional lists fields whose value awaits manual conflict review.
	Provisional []string `json:"provisional,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *RecordSnapshot) Clone() *RecordSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Payload = s.Payload.Clone()
	if s.Provisional != nil {
		out.Provisional = append([]string(nil), s.Provisional...)
	}
	return &out
}

// FieldChange is one field-level old/new pair in a version diff.
// A nil Old means the field was added; a nil New means it was removed.
type FieldChange struct {
	Old Value `json:"old"`
	New Value `json:"new"`
}

// UnmarshalJSON decodes old/new values into typed Values.
func (c *FieldChange) UnmarshalJSON(data []byte) error {
	var raw struct {
		Old json.RawMessage `json:"old"`
		New json.RawMessage `json:"new"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var err error
	if c.Old, err = decodeOptional(raw.Old); err != nil {
		return fmt.Errorf("old: %w", err)
	}
	if c.New, err = decodeOptional(raw.New); err != nil {
		return fmt.Errorf("new: %w", err)
	}
	return nil
}

// decodeOptional maps an absent or null JSON value to nil.
func decodeOptional(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return UnmarshalValue(raw)
}

// DataVersion is one entry in a record's append-only lineage.
type DataVersion struct {
	VersionID       string                 `json:"version_id"`
	RecordID        string                 `json:"record_id"`
	ContentHash     string                 `json:"content_hash"`
	Timestamp       time.Time              `json:"timestamp"`
	Source          string                 `json:"source"`
	EventID         string                 `json:"event_id"`
	Changes         map[string]FieldChange `json:"changes"`
	ParentVersionID string                 `json:"parent_version_id,omitempty"`
	Seq             int64                  `json:"seq"`
}

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLatestWins        Strategy = "latest_wins"
	StrategyHighestConfidence Strategy = "highest_confidence"
	StrategyMergeFields       Strategy = "merge_fields"
	StrategyPreserveOriginal  Strategy = "preserve_original"
	StrategyManualReview      Strategy = "manual_review"
)

// ValidStrategies lists the accepted strategy names.
var ValidStrategies = map[Strategy]bool{
	StrategyLatestWins:        true,
	StrategyHighestConfidence: true,
	StrategyMergeFields:       true,
	StrategyPreserveOriginal:  true,
	StrategyManualReview:      true,
}

// ConflictRecord describes two disagreeing values for one field.
type ConflictRecord struct {
	ConflictID    string     `json:"conflict_id"`
	RecordID      string     `json:"record_id"`
	EventID       string     `json:"event_id"`
	FieldName     string     `json:"field_name"`
	LocalValue    Value      `json:"local_value"`
	RemoteValue   Value      `json:"remote_value"`
	LocalTS       time.Time  `json:"local_ts"`
	RemoteTS      time.Time  `json:"remote_ts"`
	Strategy      Strategy   `json:"strategy"`
	Resolved      bool       `json:"resolved"`
	ResolvedValue Value      `json:"resolved_value"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
}

// UnmarshalJSON decodes the value-typed fields of a conflict record.
func (c *ConflictRecord) UnmarshalJSON(data []byte) error {
	type plain ConflictRecord
	var raw struct {
		plain
		LocalValue    json.RawMessage `json:"local_value"`
		RemoteValue   json.RawMessage `json:"remote_value"`
		ResolvedValue json.RawMessage `json:"resolved_value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ConflictRecord(raw.plain)
	var err error
	if c.LocalValue, err = decodeOptional(raw.LocalValue); err != nil {
		return fmt.Errorf("local_value: %w", err)
	}
	if c.RemoteValue, err = decodeOptional(raw.RemoteValue); err != nil {
		return fmt.Errorf("remote_value: %w", err)
	}
	if c.ResolvedValue, err = decodeOptional(raw.ResolvedValue); err != nil {
		return fmt.Errorf("resolved_value: %w", err)
	}
	return nil
}

// StreamWindow aggregates all events whose timestamp falls in [Start, End).
type StreamWindow struct {
	WindowID  string        `json:"window_id"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Events    []ChangeEvent `json:"events"`
	Closed    bool          `json:"closed"`
	Processed bool          `json:"processed"`
	ClosedAt  time.Time     `json:"closed_at,omitempty"`
}

// WindowStats summarises a window for downstream consumers.
type WindowStats struct {
	WindowID     string         `json:"window_id"`
	EventCount   int            `json:"event_count"`
	RecordCount  int            `json:"record_count"`
	ContentTypes map[string]int `json:"content_types"`
}

// Stats computes per-window aggregate statistics.
func (w StreamWindow) Stats() WindowStats {
	records := make(map[string]struct{}, len(w.Events))
	types := make(map[string]int)
	for _, ev := range w.Events {
		records[ev.RecordID] = struct{}{}
		types[ev.ContentType]++
	}
	return WindowStats{
		WindowID:     w.WindowID,
		EventCount:   len(w.Events),
		RecordCount:  len(records),
		ContentTypes: types,
	}
}

// DeadLetterKind classifies why an event reached the dead-letter sink.
type DeadLetterKind string

const (
	DeadLetterExhausted    DeadLetterKind = "retries_exhausted"
	DeadLetterValidation   DeadLetterKind = "validation"
	DeadLetterBackpressure DeadLetterKind = "backpressure"
	DeadLetterShutdown     DeadLetterKind = "shutdown"
)

// DeadLetter is an event that could not be applied.
type DeadLetter struct {
	Event    ChangeEvent    `json:"event"`
	Kind     DeadLetterKind `json:"kind"`
	Error    string         `json:"error"`
	FailedAt time.Time      `json:"failed_at"`
}
