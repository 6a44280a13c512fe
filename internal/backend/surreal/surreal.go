// Package surreal implements the document apply target on SurrealDB.
//
// Each record is one SurrealDB record whose ID is the record_id value of
// the filter, so upserts and merges address the document directly with
// type::thing and never scan. Queries are parameterized; field names in
// filters are checked against an identifier pattern before they reach
// SurrealQL.
package surreal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/yangjrun/novellus-sub001/internal/apply"
)

// Config holds connection settings.
type Config struct {
	URL       string `yaml:"url" json:"url"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Database  string `yaml:"database" json:"database"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
}

// ErrMissingKey is returned when a write filter has no record_id.
var ErrMissingKey = errors.New("filter has no " + apply.FieldRecordID)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a DocumentStore backed by SurrealDB.
type Store struct {
	db     *surrealdb.DB
	logger *slog.Logger
}

// Open connects, signs in when credentials are set and selects the
// namespace and database.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an open connection.
func New(db *surrealdb.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Close closes the connection.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

// Upsert replaces the document addressed by filter with fields.
func (s *Store) Upsert(ctx context.Context, collection string, filter apply.Filter, fields apply.Fields) error {
	id, err := recordKey(filter)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	_, err = surrealdb.Query[any](ctx, s.db,
		"UPSERT type::thing($tb, $id) CONTENT $data RETURN NONE",
		map[string]any{"tb": collection, "id": id, "data": map[string]any(fields)})
	if err != nil {
		return fmt.Errorf("upsert %s:%s: %w", collection, id, err)
	}
	return nil
}

// Merge deep-merges fields into the document, creating it when missing.
func (s *Store) Merge(ctx context.Context, collection string, filter apply.Filter, fields apply.Fields) error {
	id, err := recordKey(filter)
	if err != nil {
		return fmt.Errorf("merge %s: %w", collection, err)
	}
	_, err = surrealdb.Query[any](ctx, s.db,
		"UPSERT type::thing($tb, $id) MERGE $data RETURN NONE",
		map[string]any{"tb": collection, "id": id, "data": map[string]any(fields)})
	if err != nil {
		return fmt.Errorf("merge %s:%s: %w", collection, id, err)
	}
	return nil
}

// Find returns the first document matching filter.
func (s *Store) Find(ctx context.Context, collection string, filter apply.Filter) (apply.Fields, bool, error) {
	query, vars, err := findQuery(collection, filter)
	if err != nil {
		return nil, false, fmt.Errorf("find %s: %w", collection, err)
	}
	res, err := surrealdb.Query[[]map[string]any](ctx, s.db, query, vars)
	if err != nil {
		return nil, false, fmt.Errorf("find %s: %w", collection, err)
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return nil, false, nil
	}
	return toFields((*res)[0].Result[0]), true, nil
}

// recordKey extracts the document ID from a write filter.
func recordKey(filter apply.Filter) (string, error) {
	switch id := filter[apply.FieldRecordID].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case fmt.Stringer:
		return id.String(), nil
	}
	return "", ErrMissingKey
}

// findQuery builds a parameterized SELECT for filter. A record_id filter
// addresses the record directly; other fields become WHERE terms in
// sorted order.
func findQuery(collection string, filter apply.Filter) (string, map[string]any, error) {
	vars := map[string]any{"tb": collection}
	if len(filter) == 1 {
		if id, err := recordKey(filter); err == nil {
			vars["id"] = id
			return "SELECT * OMIT id FROM type::thing($tb, $id)", vars, nil
		}
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		if !identRe.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter field %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("SELECT * OMIT id FROM type::table($tb)")
	for i, k := range keys {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		param := fmt.Sprintf("f%d", i)
		fmt.Fprintf(&b, "%s = $%s", k, param)
		vars[param] = filter[k]
	}
	b.WriteString(" LIMIT 1")
	return b.String(), vars, nil
}

// toFields converts a decoded document into Fields, normalising
// CBOR-decoded map[any]any values to map[string]any.
func toFields(doc map[string]any) apply.Fields {
	out := make(apply.Fields, len(doc))
	for k, v := range doc {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

var _ apply.DocumentStore = (*Store)(nil)
