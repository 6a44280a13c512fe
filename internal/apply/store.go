package apply

import (
	"context"
	"errors"
	"maps"
	"reflect"
)

// Bookkeeping columns written next to the payload in both stores.
const (
	FieldRecordID    = "record_id"
	FieldContentType = "content_type"
	FieldContentHash = "content_hash"
	FieldVersionID   = "version_id"
	FieldUpdatedAt   = "updated_at"
	FieldPayload     = "payload"
)

// ErrNotFound is returned by RelationalStore.UpdateFields when no row
// exists for the key.
var ErrNotFound = errors.New("record not found")

// Fields is a flat set of column (or top-level document field) values.
// The payload travels as a nested map under FieldPayload.
type Fields map[string]any

// Clone returns a deep copy of f. Nested maps and slices are copied; other
// values are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneAny(v)
	}
	return out
}

// String returns the string value of key, or "" if absent or not a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneAny(e)
		}
		return out
	case Fields:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}

// Filter selects documents by equality on top-level fields.
type Filter map[string]any

// Matches reports whether every filter field equals the document's field.
func (f Filter) Matches(doc Fields) bool {
	for k, want := range f {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of f.
func (f Filter) Clone() Filter {
	return maps.Clone(f)
}

// RelationalStore is the row-oriented backing store.
type RelationalStore interface {
	// Upsert inserts the row or replaces every given column.
	Upsert(ctx context.Context, table, key string, fields Fields) error
	// UpdateFields updates the given columns of an existing row and returns
	// ErrNotFound when the row does not exist.
	UpdateFields(ctx context.Context, table, key string, fields Fields) error
	Get(ctx context.Context, table, key string) (Fields, bool, error)
}

// DocumentStore is the document-oriented backing store.
type DocumentStore interface {
	// Upsert replaces the document matching filter or creates it.
	Upsert(ctx context.Context, collection string, filter Filter, fields Fields) error
	// Merge merges fields into the matching document, creating it if absent.
	// Nested objects are merged key-wise.
	Merge(ctx context.Context, collection string, filter Filter, fields Fields) error
	Find(ctx context.Context, collection string, filter Filter) (Fields, bool, error)
}

// MergeFields merges patch into base key-wise, recursing into nested
// maps, and returns base. Document stores without native merge use it.
func MergeFields(base, patch Fields) Fields {
	if base == nil {
		base = make(Fields, len(patch))
	}
	for k, pv := range patch {
		pm, pok := pv.(map[string]any)
		bm, bok := base[k].(map[string]any)
		if pok && bok {
			base[k] = map[string]any(MergeFields(Fields(bm), Fields(pm)))
			continue
		}
		base[k] = cloneAny(pv)
	}
	return base
}
