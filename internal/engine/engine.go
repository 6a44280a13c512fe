package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/yangjrun/novellus-sub001/internal/apply"
	"github.com/yangjrun/novellus-sub001/internal/buffer"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/deadletter"
	"github.com/yangjrun/novellus-sub001/internal/detect"
	"github.com/yangjrun/novellus-sub001/internal/ir"
	"github.com/yangjrun/novellus-sub001/internal/metrics"
	"github.com/yangjrun/novellus-sub001/internal/transform"
	"github.com/yangjrun/novellus-sub001/internal/version"
	"github.com/yangjrun/novellus-sub001/internal/window"
)

// Deps are the external collaborators of an Engine. Relational and
// Document are required; everything else is optional.
type Deps struct {
	Relational apply.RelationalStore
	Document   apply.DocumentStore

	// ApplyOptions configure the dual-store applier (table names,
	// in-flight bounds, timeouts).
	ApplyOptions []apply.Option

	Normalizer transform.Normalizer
	Extractor  transform.Extractor

	// Ledger persistence. The SQLite store implements all three.
	Versions    version.Persister
	Conflicts   conflict.LogSink
	DeadLetters deadletter.Persister
}

// ConflictLoader is implemented by conflict sinks that can reload the log
// on start.
type ConflictLoader interface {
	LoadConflicts(ctx context.Context) ([]ir.ConflictRecord, error)
}

// Engine is the incremental change pipeline.
//
// Thread-safety model:
//   - Submit, Shutdown, ResolveConflict and the query methods are safe
//     from any goroutine
//   - Run must be called once; it blocks until shutdown completes
type Engine struct {
	cfg Config

	buf        *buffer.EventBuffer
	windows    *window.Manager
	detector   *detect.Detector
	resolver   *conflict.Resolver
	conflicts  *conflict.Log
	versions   *version.Store
	applier    *apply.Applier
	dead       *deadletter.Sink
	metrics    *metrics.Metrics
	normalizer transform.Normalizer
	extractor  transform.Extractor
	retries    *retryQueue

	conflictLoader ConflictLoader
	windowCallback window.Callback

	clock  Clock
	ids    IDGenerator
	logger *slog.Logger

	running  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock used for default timestamps, windows,
// dead letters and manual resolutions.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for event, version and conflict IDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics instruments. Tests pass their own to read
// counters directly.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithWindowCallback sets the consumer of closed windows. The default
// logs each window's statistics.
func WithWindowCallback(cb window.Callback) Option {
	return func(e *Engine) {
		e.windowCallback = cb
	}
}

// New validates cfg and builds an Engine and all of its components.
// Configuration errors are returned here, before anything runs.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Relational == nil || deps.Document == nil {
		return nil, errors.New("invalid deps: relational and document stores are required")
	}

	e := &Engine{
		cfg:        cfg,
		normalizer: deps.Normalizer,
		extractor:  deps.Extractor,
		retries:    newRetryQueue(),
		clock:      SystemClock{},
		ids:        UUIDv7Generator{},
		logger:     slog.Default(),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.normalizer == nil {
		e.normalizer = transform.NFCNormalizer{}
	}
	if e.extractor == nil {
		e.extractor = transform.NopExtractor{}
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.windowCallback == nil {
		e.windowCallback = e.logWindow
	}

	var err error
	if e.buf, err = buffer.New(cfg.BufferSize, cfg.HighWatermark); err != nil {
		return nil, err
	}
	e.windows, err = window.New(cfg.WindowSize, cfg.WindowSlide,
		window.WithClock(e.clock),
		window.WithLogger(e.logger),
		window.WithRetention(cfg.WindowRetention),
		window.WithLateHandler(func(ir.ChangeEvent, string) {
			e.metrics.LateWindowEvents.Inc()
		}))
	if err != nil {
		return nil, err
	}

	e.detector = detect.New(cfg.VolatileFields...)
	e.resolver, err = conflict.NewResolver(cfg.Policy,
		conflict.WithIDGenerator(e.ids),
		conflict.WithClock(e.clock),
		conflict.WithIgnoredFields(e.detector.IsVolatile))
	if err != nil {
		return nil, err
	}
	e.conflicts = conflict.NewLog(deps.Conflicts, e.logger)
	if loader, ok := deps.Conflicts.(ConflictLoader); ok {
		e.conflictLoader = loader
	}

	versionOpts := []version.Option{
		version.WithHistoryCap(cfg.HistoryCap),
		version.WithIDGenerator(e.ids),
		version.WithLogger(e.logger),
	}
	if deps.Versions != nil {
		versionOpts = append(versionOpts, version.WithPersister(deps.Versions))
	}
	e.versions = version.New(e.detector, versionOpts...)

	applyOpts := append([]apply.Option{
		apply.WithMaxInFlight(cfg.Workers, cfg.Workers),
		apply.WithLogger(e.logger),
	}, deps.ApplyOptions...)
	e.applier = apply.New(deps.Relational, deps.Document, applyOpts...)

	deadOpts := []deadletter.Option{
		deadletter.WithClock(e.clock.Now),
		deadletter.WithLogger(e.logger),
	}
	if deps.DeadLetters != nil {
		deadOpts = append(deadOpts, deadletter.WithPersister(deps.DeadLetters))
	}
	e.dead = deadletter.New(deadOpts...)

	return e, nil
}

// Submit offers ev to the pipeline.
//
// A nil error means the event was accepted. When the buffer stays full
// for the configured put timeout the event is rejected with a backpressure
// PipelineError and recorded in the dead-letter sink; the caller may
// resubmit it later. Missing EventID and Timestamp are filled in, and a
// negative MaxRetries takes the configured default.
func (e *Engine) Submit(ctx context.Context, ev ir.ChangeEvent) error {
	if ev.EventID == "" {
		ev.EventID = e.ids.Generate()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	if ev.MaxRetries < 0 {
		ev.MaxRetries = e.cfg.MaxRetries
	}

	if e.stopping.Load() {
		e.deadLetter(ctx, ev, ir.DeadLetterShutdown, ErrStopped)
		return ErrStopped
	}

	if !e.buf.Put(ctx, ev, e.cfg.PutTimeout) {
		if e.buf.Closed() {
			e.deadLetter(ctx, ev, ir.DeadLetterShutdown, ErrStopped)
			return ErrStopped
		}
		err := ir.NewBackpressureError(ev)
		e.metrics.BackpressureEvents.Inc()
		e.deadLetter(ctx, ev, ir.DeadLetterBackpressure, err)
		return err
	}

	e.metrics.BufferOccupancy.Set(float64(e.buf.Len()))
	if e.buf.IsHighWatermark() {
		e.logger.Warn("event buffer above high watermark",
			"len", e.buf.Len(),
			"cap", e.buf.Cap())
	}
	e.windows.AddEvent(ev)
	e.metrics.OpenWindows.Set(float64(e.windows.OpenCount()))
	return nil
}

// Run starts the worker pool and the window loop and blocks until
// Shutdown is called or ctx is cancelled. It restores persisted state
// first. Before returning it drains the pipeline: pending retries and
// buffered events are dead-lettered with kind "shutdown".
//
// Run returns nil after Shutdown and ctx.Err() after cancellation.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	if err := e.restore(ctx); err != nil {
		e.stopping.Store(true)
		e.drain(ctx)
		return fmt.Errorf("restore state: %w", err)
	}

	intake, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	if e.stopping.Load() {
		stopIntake()
	}
	go func() {
		select {
		case <-e.stopCh:
			stopIntake()
		case <-intake.Done():
		}
	}()

	e.logger.Info("engine starting",
		"workers", e.cfg.Workers,
		"buffer_size", e.cfg.BufferSize,
		"max_retries", e.cfg.MaxRetries)

	g, gctx := errgroup.WithContext(intake)
	for i := range e.cfg.Workers {
		g.Go(func() error {
			e.work(ctx, gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		return e.windows.Run(gctx, e.cfg.WindowTick, e.processWindow)
	})
	err := g.Wait()

	e.stopping.Store(true)
	e.drain(ctx)

	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.logger.Info("engine stopped: context cancelled")
		return ctxErr
	}
	e.logger.Info("engine stopped")
	return nil
}

// Shutdown requests a graceful stop. It returns immediately; Run returns
// once the pipeline is drained. Use Wait to block until then.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		close(e.stopCh)
	})
}

// Wait blocks until Run has returned or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restore reloads the ledger: snapshots and lineage, conflicts and dead
// letters.
func (e *Engine) restore(ctx context.Context) error {
	if err := e.versions.Load(ctx); err != nil {
		return err
	}
	if e.conflictLoader != nil {
		records, err := e.conflictLoader.LoadConflicts(ctx)
		if err != nil {
			return fmt.Errorf("load conflicts: %w", err)
		}
		e.conflicts.Load(records)
	}
	return e.dead.Load(ctx)
}

// work is one worker: it pulls events until intake stops, then returns
// after finishing the event it holds.
func (e *Engine) work(ctx, intake context.Context, id int) {
	e.logger.Debug("worker started", "worker", id)
	defer e.logger.Debug("worker stopped", "worker", id)

	for intake.Err() == nil {
		var ticket version.Ticket
		ev, ok := e.buf.GetWith(intake, e.cfg.PollInterval, func(ev ir.ChangeEvent) {
			ticket = e.versions.Reserve(ev.RecordID)
		})
		if !ok {
			if e.buf.Closed() {
				return
			}
			continue
		}
		e.metrics.BufferOccupancy.Set(float64(e.buf.Len()))
		e.handle(ctx, ev, ticket)
	}
}

// handle runs one event through the pipeline while holding its record's
// ticket and routes failures.
func (e *Engine) handle(ctx context.Context, ev ir.ChangeEvent, ticket version.Ticket) {
	ticket.Wait()
	err := e.process(ctx, ev)
	ticket.Release()

	if err != nil {
		e.fail(ctx, ev, err)
	}
}

// fail dead-letters ev or schedules a retry.
func (e *Engine) fail(ctx context.Context, ev ir.ChangeEvent, err error) {
	e.metrics.EventsFailed.Inc()

	if !retryable(err) {
		e.deadLetter(ctx, ev, ir.DeadLetterValidation, err)
		return
	}

	next := ev.Retry()
	if next.Exhausted() {
		e.deadLetter(ctx, next, ir.DeadLetterExhausted, err)
		return
	}

	delay := e.cfg.Backoff(ev.RetryCount)
	e.logger.Warn("event failed, retrying",
		"event_id", ev.EventID,
		"record_id", ev.RecordID,
		"retry_count", next.RetryCount,
		"max_retries", next.MaxRetries,
		"delay", delay,
		"error", err)

	scheduled := e.retries.schedule(next, delay, func(ev ir.ChangeEvent) {
		e.requeue(ctx, ev)
	})
	if !scheduled {
		e.deadLetter(ctx, next, ir.DeadLetterShutdown, err)
		return
	}
	e.metrics.EventsRetried.Inc()
}

// requeue puts a retried event back into the buffer.
func (e *Engine) requeue(ctx context.Context, ev ir.ChangeEvent) {
	if e.buf.Put(ctx, ev, e.cfg.PutTimeout) {
		e.metrics.BufferOccupancy.Set(float64(e.buf.Len()))
		return
	}
	if e.buf.Closed() {
		e.deadLetter(ctx, ev, ir.DeadLetterShutdown, ErrStopped)
		return
	}
	e.metrics.BackpressureEvents.Inc()
	e.deadLetter(ctx, ev, ir.DeadLetterBackpressure, ir.NewBackpressureError(ev))
}

// drain dead-letters every event still owned by the pipeline.
func (e *Engine) drain(ctx context.Context) {
	pending := e.retries.stop()
	e.buf.Close()
	e.retries.wait()

	for _, ev := range pending {
		e.deadLetter(ctx, ev, ir.DeadLetterShutdown, ErrStopped)
	}
	rest := e.buf.Drain()
	for _, ev := range rest {
		e.deadLetter(ctx, ev, ir.DeadLetterShutdown, ErrStopped)
	}
	e.metrics.BufferOccupancy.Set(0)

	// Closed windows still get their final pass.
	e.windows.Process(context.WithoutCancel(ctx), e.processWindow)

	if len(pending)+len(rest) > 0 {
		e.logger.Warn("pipeline drained",
			"pending_retries", len(pending),
			"buffered", len(rest))
	}
}

func (e *Engine) deadLetter(ctx context.Context, ev ir.ChangeEvent, kind ir.DeadLetterKind, err error) {
	e.dead.Add(context.WithoutCancel(ctx), ev, kind, err)
	e.metrics.EventsDeadLettered.WithLabelValues(string(kind)).Inc()
}

// processWindow updates window gauges and hands the window to the
// configured consumer.
func (e *Engine) processWindow(ctx context.Context, w ir.StreamWindow) error {
	e.metrics.OpenWindows.Set(float64(e.windows.OpenCount()))
	return e.windowCallback(ctx, w)
}

func (e *Engine) logWindow(_ context.Context, w ir.StreamWindow) error {
	stats := w.Stats()
	e.logger.Info("window closed",
		"window_id", stats.WindowID,
		"event_count", stats.EventCount,
		"record_count", stats.RecordCount)
	return nil
}

// DeadLetters returns every dead-lettered event in arrival order.
func (e *Engine) DeadLetters() []ir.DeadLetter {
	return e.dead.List()
}

// Conflicts returns the whole conflict log.
func (e *Engine) Conflicts() []ir.ConflictRecord {
	return e.conflicts.All()
}

// UnresolvedConflicts returns conflicts awaiting manual review.
func (e *Engine) UnresolvedConflicts() []ir.ConflictRecord {
	return e.conflicts.Unresolved()
}

// History returns the retained versions of recordID, oldest first.
func (e *Engine) History(recordID string) []ir.DataVersion {
	return e.versions.History(recordID)
}

// Snapshot returns the current snapshot of recordID, or nil.
func (e *Engine) Snapshot(recordID string) *ir.RecordSnapshot {
	return e.versions.Current(recordID)
}

// Snapshots returns every current snapshot ordered by record ID.
func (e *Engine) Snapshots() []ir.RecordSnapshot {
	return e.versions.Snapshots()
}

// Metrics returns the engine's instruments.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Mismatches returns records whose stores disagree.
func (e *Engine) Mismatches() []apply.Mismatch {
	return e.applier.Mismatches()
}

// Reconcile rewrites mismatched records from their current snapshots. Each
// record is locked while it is rewritten so a concurrent update cannot be
// overwritten with older state.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	var (
		repaired int
		errs     []error
	)
	for _, m := range e.applier.Mismatches() {
		unlock := e.versions.Lock(m.RecordID)
		var snaps []ir.RecordSnapshot
		if cur := e.versions.Current(m.RecordID); cur != nil {
			snaps = append(snaps, *cur)
		}
		n, err := e.applier.Reconcile(ctx, snaps)
		unlock()

		repaired += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if repaired > 0 {
		e.logger.Info("reconciliation finished", "repaired", repaired)
	}
	return repaired, errors.Join(errs...)
}

// Pending returns the number of buffered events and pending retries.
func (e *Engine) Pending() int {
	return e.buf.Len() + e.retries.Len()
}
