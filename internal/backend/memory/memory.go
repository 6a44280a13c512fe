// Package memory provides in-memory relational and document stores with
// fault injection. They back tests, dry runs and the scenario harness.
package memory

import (
	"context"
	"sync"

	"github.com/yangjrun/novellus-sub001/internal/apply"
)

// Op names a store operation for fault injection and call counting.
type Op string

const (
	OpUpsert Op = "upsert"
	OpUpdate Op = "update"
	OpGet    Op = "get"
	OpMerge  Op = "merge"
	OpFind   Op = "find"
)

// FaultFunc decides whether a call fails. It runs before the store is
// touched; a non-nil error is returned to the caller unchanged.
type FaultFunc func(ctx context.Context, op Op, key string) error

// FailTimes fails the first n calls of op with err.
func FailTimes(op Op, n int, err error) FaultFunc {
	var (
		mu        sync.Mutex
		remaining = n
	)
	return func(_ context.Context, got Op, _ string) error {
		if got != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	}
}

// FailAlways fails every call of op with err.
func FailAlways(op Op, err error) FaultFunc {
	return func(_ context.Context, got Op, _ string) error {
		if got == op {
			return err
		}
		return nil
	}
}

// Block makes op wait until ctx is done and return its error, which
// simulates a hung store call.
func Block(op Op) FaultFunc {
	return func(ctx context.Context, got Op, _ string) error {
		if got != op {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// faults holds the injected fault and per-op call counts.
type faults struct {
	mu    sync.Mutex
	fn    FaultFunc
	calls map[Op]int
}

func (f *faults) check(ctx context.Context, op Op, key string) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[Op]int)
	}
	f.calls[op]++
	fn := f.fn
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return fn(ctx, op, key)
}

// Inject installs fn, replacing any previous fault. nil clears it.
func (f *faults) Inject(fn FaultFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

// Calls returns how many times op was invoked, including failed calls.
func (f *faults) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Relational is an in-memory apply.RelationalStore.
type Relational struct {
	faults

	mu     sync.RWMutex
	tables map[string]map[string]apply.Fields
}

// NewRelational creates an empty relational store.
func NewRelational() *Relational {
	return &Relational{tables: make(map[string]map[string]apply.Fields)}
}

// Upsert implements apply.RelationalStore.
func (r *Relational) Upsert(ctx context.Context, table, key string, fields apply.Fields) error {
	if err := r.check(ctx, OpUpsert, key); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, ok := r.tables[table]
	if !ok {
		rows = make(map[string]apply.Fields)
		r.tables[table] = rows
	}
	row := rows[key]
	if row == nil {
		row = make(apply.Fields, len(fields))
	}
	for k, v := range fields.Clone() {
		row[k] = v
	}
	rows[key] = row
	return nil
}

// UpdateFields implements apply.RelationalStore.
func (r *Relational) UpdateFields(ctx context.Context, table, key string, fields apply.Fields) error {
	if err := r.check(ctx, OpUpdate, key); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.tables[table][key]
	if !ok {
		return apply.ErrNotFound
	}
	for k, v := range fields.Clone() {
		row[k] = v
	}
	return nil
}

// Get implements apply.RelationalStore.
func (r *Relational) Get(ctx context.Context, table, key string) (apply.Fields, bool, error) {
	if err := r.check(ctx, OpGet, key); err != nil {
		return nil, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.tables[table][key]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

// Put overwrites a row without fault checks. Tests use it to corrupt state.
func (r *Relational) Put(table, key string, fields apply.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables[table] == nil {
		r.tables[table] = make(map[string]apply.Fields)
	}
	r.tables[table][key] = fields.Clone()
}

// Len returns the number of rows in table.
func (r *Relational) Len(table string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables[table])
}

// Document is an in-memory apply.DocumentStore.
type Document struct {
	faults

	mu          sync.RWMutex
	collections map[string][]apply.Fields
}

// NewDocument creates an empty document store.
func NewDocument() *Document {
	return &Document{collections: make(map[string][]apply.Fields)}
}

func filterKey(filter apply.Filter) string {
	if id, ok := filter[apply.FieldRecordID].(string); ok {
		return id
	}
	return ""
}

// index returns the position of the first document matching filter, or -1.
// Callers must hold d.mu.
func (d *Document) index(collection string, filter apply.Filter) int {
	for i, doc := range d.collections[collection] {
		if filter.Matches(doc) {
			return i
		}
	}
	return -1
}

// Upsert implements apply.DocumentStore.
func (d *Document) Upsert(ctx context.Context, collection string, filter apply.Filter, fields apply.Fields) error {
	if err := d.check(ctx, OpUpsert, filterKey(filter)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := fields.Clone()
	for k, v := range filter {
		doc[k] = v
	}
	if i := d.index(collection, filter); i >= 0 {
		d.collections[collection][i] = doc
		return nil
	}
	d.collections[collection] = append(d.collections[collection], doc)
	return nil
}

// Merge implements apply.DocumentStore.
func (d *Document) Merge(ctx context.Context, collection string, filter apply.Filter, fields apply.Fields) error {
	if err := d.check(ctx, OpMerge, filterKey(filter)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if i := d.index(collection, filter); i >= 0 {
		d.collections[collection][i] = apply.MergeFields(d.collections[collection][i], fields)
		return nil
	}
	doc := fields.Clone()
	for k, v := range filter {
		doc[k] = v
	}
	d.collections[collection] = append(d.collections[collection], doc)
	return nil
}

// Find implements apply.DocumentStore.
func (d *Document) Find(ctx context.Context, collection string, filter apply.Filter) (apply.Fields, bool, error) {
	if err := d.check(ctx, OpFind, filterKey(filter)); err != nil {
		return nil, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	i := d.index(collection, filter)
	if i < 0 {
		return nil, false, nil
	}
	return d.collections[collection][i].Clone(), true, nil
}

// Put replaces or adds the document for recordID without fault checks.
func (d *Document) Put(collection, recordID string, fields apply.Fields) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := fields.Clone()
	doc[apply.FieldRecordID] = recordID
	filter := apply.Filter{apply.FieldRecordID: recordID}
	if i := d.index(collection, filter); i >= 0 {
		d.collections[collection][i] = doc
		return
	}
	d.collections[collection] = append(d.collections[collection], doc)
}

// Len returns the number of documents in collection.
func (d *Document) Len(collection string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.collections[collection])
}

var (
	_ apply.RelationalStore = (*Relational)(nil)
	_ apply.DocumentStore   = (*Document)(nil)
)
