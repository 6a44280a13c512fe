package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// marshalPayload converts a payload to canonical JSON TEXT so equal
// payloads are stored byte-identically.
func marshalPayload(p ir.Payload) (string, error) {
	if p == nil {
		p = ir.Payload{}
	}
	data, err := ir.MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses JSON TEXT into a typed payload. Integers stay
// integers via ir.Object.UnmarshalJSON.
func unmarshalPayload(data string) (ir.Payload, error) {
	if data == "" || data == "{}" {
		return ir.Payload{}, nil
	}
	var obj ir.Payload
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// marshalJSON encodes v with HTML escaping disabled.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
