// Package apply writes resolved record state to the relational and the
// document store and checks that both stores agree afterwards.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// Store names used in errors, logs and results.
const (
	StoreRelational = "relational"
	StoreDocument   = "document"
)

// Defaults for the applier options.
const (
	DefaultTable       = "records"
	DefaultCollection  = "records"
	DefaultMaxInFlight = 8
	DefaultTimeout     = 10 * time.Second
)

// Result is the outcome of one store write.
type Result struct {
	Store    string
	Err      error
	Duration time.Duration
}

// Results holds the outcome of both writes of one Apply call.
type Results struct {
	Relational Result
	Document   Result
}

// Err joins the errors of both writes. It is nil only when both succeeded.
func (r Results) Err() error {
	return errors.Join(r.Relational.Err, r.Document.Err)
}

// Duration returns the longer of the two write durations.
func (r Results) Duration() time.Duration {
	return max(r.Relational.Duration, r.Document.Duration)
}

// Mismatch describes a record whose stores disagree with the
// authoritative content hash.
type Mismatch struct {
	RecordID   string `json:"record_id"`
	Expected   string `json:"expected"`
	Relational string `json:"relational"`
	Document   string `json:"document"`
}

// Applier applies snapshots to both stores.
//
// The two writes of an Apply call run concurrently and fail independently;
// there is no cross-store transaction. Each store has its own in-flight
// bound and every call runs under its own timeout.
//
// Thread-safety: all methods are safe for concurrent use.
type Applier struct {
	rel        RelationalStore
	doc        DocumentStore
	table      string
	collection string
	timeout    time.Duration
	relSem     *semaphore.Weighted
	docSem     *semaphore.Weighted
	logger     *slog.Logger

	mu         sync.Mutex
	mismatches map[string]Mismatch
}

type config struct {
	table       string
	collection  string
	relInFlight int64
	docInFlight int64
	timeout     time.Duration
	logger      *slog.Logger
}

// Option configures an Applier.
type Option func(*config)

// WithTable sets the relational table name.
func WithTable(name string) Option {
	return func(c *config) {
		c.table = name
	}
}

// WithCollection sets the document collection name.
func WithCollection(name string) Option {
	return func(c *config) {
		c.collection = name
	}
}

// WithMaxInFlight bounds concurrent calls per store. Values below 1 are
// raised to 1.
func WithMaxInFlight(relational, document int) Option {
	return func(c *config) {
		c.relInFlight = int64(max(relational, 1))
		c.docInFlight = int64(max(document, 1))
	}
}

// WithTimeout sets the per-call store timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// New creates an Applier over rel and doc.
func New(rel RelationalStore, doc DocumentStore, opts ...Option) *Applier {
	cfg := config{
		table:       DefaultTable,
		collection:  DefaultCollection,
		relInFlight: DefaultMaxInFlight,
		docInFlight: DefaultMaxInFlight,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Applier{
		rel:        rel,
		doc:        doc,
		table:      cfg.table,
		collection: cfg.collection,
		timeout:    cfg.timeout,
		relSem:     semaphore.NewWeighted(cfg.relInFlight),
		docSem:     semaphore.NewWeighted(cfg.docInFlight),
		logger:     cfg.logger,
		mismatches: make(map[string]Mismatch),
	}
}

// FieldsFor builds the store representation of snap.
func FieldsFor(snap ir.RecordSnapshot) Fields {
	return Fields{
		FieldRecordID:    snap.RecordID,
		FieldContentType: snap.ContentType,
		FieldContentHash: snap.ContentHash,
		FieldVersionID:   snap.VersionID,
		FieldUpdatedAt:   snap.Timestamp.UTC().Format(time.RFC3339Nano),
		FieldPayload:     snap.Payload.ToMap(),
	}
}

func (a *Applier) filter(recordID string) Filter {
	return Filter{FieldRecordID: recordID}
}

// Apply writes snap to both stores. Inserts upsert into both; updates use
// UpdateFields (falling back to Upsert for a missing row) and Merge.
//
// Store failures are returned as transient PipelineErrors unless the store
// itself reported a permanent validation error.
func (a *Applier) Apply(ctx context.Context, snap ir.RecordSnapshot, change ir.ChangeType) Results {
	fields := FieldsFor(snap)

	var (
		wg  sync.WaitGroup
		res Results
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.Relational = a.run(ctx, StoreRelational, snap.RecordID, a.relSem, func(ctx context.Context) error {
			return a.writeRelational(ctx, snap.RecordID, fields.Clone(), change)
		})
	}()
	go func() {
		defer wg.Done()
		res.Document = a.run(ctx, StoreDocument, snap.RecordID, a.docSem, func(ctx context.Context) error {
			return a.writeDocument(ctx, snap.RecordID, fields.Clone(), change)
		})
	}()
	wg.Wait()

	if err := res.Err(); err != nil {
		a.logger.Debug("apply failed",
			"record_id", snap.RecordID,
			"version_id", snap.VersionID,
			"change", change,
			"error", err)
	}
	return res
}

func (a *Applier) writeRelational(ctx context.Context, recordID string, fields Fields, change ir.ChangeType) error {
	if change == ir.ChangeInsert {
		return a.rel.Upsert(ctx, a.table, recordID, fields)
	}
	err := a.rel.UpdateFields(ctx, a.table, recordID, fields)
	if errors.Is(err, ErrNotFound) {
		return a.rel.Upsert(ctx, a.table, recordID, fields)
	}
	return err
}

func (a *Applier) writeDocument(ctx context.Context, recordID string, fields Fields, change ir.ChangeType) error {
	if change == ir.ChangeInsert {
		return a.doc.Upsert(ctx, a.collection, a.filter(recordID), fields)
	}
	return a.doc.Merge(ctx, a.collection, a.filter(recordID), fields)
}

// run executes fn under the store's semaphore and the call timeout.
func (a *Applier) run(ctx context.Context, store, recordID string, sem *semaphore.Weighted, fn func(context.Context) error) Result {
	start := time.Now()
	res := Result{Store: store}

	if err := sem.Acquire(ctx, 1); err != nil {
		res.Err = ir.NewTransientStoreError(store, recordID, err)
		res.Duration = time.Since(start)
		return res
	}
	defer sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res.Err = classify(store, recordID, fn(callCtx))
	res.Duration = time.Since(start)
	return res
}

func classify(store, recordID string, err error) error {
	if err == nil {
		return nil
	}
	if ir.IsPermanent(err) || ir.IsTransient(err) {
		return err
	}
	return ir.NewTransientStoreError(store, recordID, err)
}

// Verify reads recordID back from both stores and compares their content
// hash with want. A disagreement is remembered for Reconcile and reported
// as false; a read failure is returned as an error.
func (a *Applier) Verify(ctx context.Context, recordID, want string) (bool, error) {
	var relHash, docHash string

	rel := a.run(ctx, StoreRelational, recordID, a.relSem, func(ctx context.Context) error {
		fields, ok, err := a.rel.Get(ctx, a.table, recordID)
		if ok {
			relHash = fields.String(FieldContentHash)
		}
		return err
	})
	doc := a.run(ctx, StoreDocument, recordID, a.docSem, func(ctx context.Context) error {
		fields, ok, err := a.doc.Find(ctx, a.collection, a.filter(recordID))
		if ok {
			docHash = fields.String(FieldContentHash)
		}
		return err
	})
	if err := errors.Join(rel.Err, doc.Err); err != nil {
		return false, fmt.Errorf("verify %s: %w", recordID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if relHash == want && docHash == want {
		delete(a.mismatches, recordID)
		return true, nil
	}
	a.mismatches[recordID] = Mismatch{
		RecordID:   recordID,
		Expected:   want,
		Relational: relHash,
		Document:   docHash,
	}
	a.logger.Warn("store consistency mismatch",
		"record_id", recordID,
		"expected", want,
		"relational", relHash,
		"document", docHash)
	return false, nil
}

// Mismatches returns the records awaiting reconciliation ordered by ID.
func (a *Applier) Mismatches() []Mismatch {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Mismatch, 0, len(a.mismatches))
	for _, m := range a.mismatches {
		out = append(out, m)
	}
	slices.SortFunc(out, func(x, y Mismatch) int {
		switch {
		case x.RecordID < y.RecordID:
			return -1
		case x.RecordID > y.RecordID:
			return 1
		}
		return 0
	})
	return out
}

// Reconcile rewrites every mismatched record from its authoritative
// snapshot and verifies it again. Mismatched records without a snapshot
// are left in place. It returns the number of repaired records.
func (a *Applier) Reconcile(ctx context.Context, snapshots []ir.RecordSnapshot) (int, error) {
	bySnap := make(map[string]ir.RecordSnapshot, len(snapshots))
	for _, s := range snapshots {
		bySnap[s.RecordID] = s
	}

	var (
		repaired int
		errs     []error
	)
	for _, m := range a.Mismatches() {
		snap, ok := bySnap[m.RecordID]
		if !ok {
			continue
		}
		if err := a.Apply(ctx, snap, ir.ChangeInsert).Err(); err != nil {
			errs = append(errs, err)
			continue
		}
		ok, err := a.Verify(ctx, snap.RecordID, snap.ContentHash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			repaired++
			a.logger.Info("record reconciled",
				"record_id", snap.RecordID,
				"content_hash", snap.ContentHash)
		}
	}
	return repaired, errors.Join(errs...)
}
