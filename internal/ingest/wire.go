package ingest

import (
	"fmt"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// WireEvent is the transport form of a ChangeEvent. The same struct tags
// serve JSON, msgpack and CBOR.
type WireEvent struct {
	EventID     string         `json:"event_id,omitempty" msgpack:"event_id,omitempty" cbor:"event_id,omitempty"`
	RecordID    string         `json:"record_id" msgpack:"record_id" cbor:"record_id"`
	ContentType string         `json:"content_type,omitempty" msgpack:"content_type,omitempty" cbor:"content_type,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty" msgpack:"timestamp,omitempty" cbor:"timestamp,omitempty"`
	Payload     map[string]any `json:"payload" msgpack:"payload" cbor:"payload"`
	Source      string         `json:"source,omitempty" msgpack:"source,omitempty" cbor:"source,omitempty"`

	// MaxRetries is optional; nil takes the engine default.
	MaxRetries *int `json:"max_retries,omitempty" msgpack:"max_retries,omitempty" cbor:"max_retries,omitempty"`
}

// ToEvent converts w into a ChangeEvent. The payload is converted to typed
// values; an unparseable timestamp or payload is an error. A missing
// timestamp is left zero for the engine to fill.
func (w WireEvent) ToEvent() (ir.ChangeEvent, error) {
	payload, err := ir.PayloadFromMap(w.Payload)
	if err != nil {
		return ir.ChangeEvent{}, fmt.Errorf("payload: %w", err)
	}

	ev := ir.ChangeEvent{
		EventID:     w.EventID,
		RecordID:    w.RecordID,
		ContentType: w.ContentType,
		Payload:     payload,
		Source:      w.Source,
		MaxRetries:  -1,
	}
	if w.MaxRetries != nil {
		if *w.MaxRetries < 0 {
			return ir.ChangeEvent{}, fmt.Errorf("max_retries must be non-negative, got %d", *w.MaxRetries)
		}
		ev.MaxRetries = *w.MaxRetries
	}
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return ir.ChangeEvent{}, fmt.Errorf("timestamp: %w", err)
		}
		ev.Timestamp = ts.UTC()
	}
	return ev, nil
}

// FromEvent is the inverse of ToEvent, used by producers and tests.
func FromEvent(ev ir.ChangeEvent) WireEvent {
	w := WireEvent{
		EventID:     ev.EventID,
		RecordID:    ev.RecordID,
		ContentType: ev.ContentType,
		Payload:     ev.Payload.ToMap(),
		Source:      ev.Source,
	}
	if !ev.Timestamp.IsZero() {
		w.Timestamp = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if ev.MaxRetries >= 0 {
		n := ev.MaxRetries
		w.MaxRetries = &n
	}
	return w
}
