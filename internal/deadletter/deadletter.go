// Package deadletter collects events the pipeline gave up on.
//
// Every dead letter keeps the original event (including its final retry
// count), the error text and a kind that says why the event was dropped.
// Entries are held in memory for inspection and optionally written
// through to a Persister.
package deadletter

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// Persister stores dead letters durably. The SQLite ledger implements it.
type Persister interface {
	SaveDeadLetter(ctx context.Context, dl ir.DeadLetter) error
	LoadDeadLetters(ctx context.Context) ([]ir.DeadLetter, error)
}

// Sink is the dead-letter sink.
//
// Thread-safety: all methods are safe for concurrent use.
type Sink struct {
	mu      sync.RWMutex
	entries []ir.DeadLetter

	persister Persister
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithPersister writes every entry through to p.
func WithPersister(p Persister) Option {
	return func(s *Sink) {
		s.persister = p
	}
}

// WithClock sets the source of FailedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = l
	}
}

// New creates an empty sink.
func New(opts ...Option) *Sink {
	s := &Sink{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records ev as dead. A persistence failure is logged and the entry is
// still kept in memory, so Add never loses an event.
func (s *Sink) Add(ctx context.Context, ev ir.ChangeEvent, kind ir.DeadLetterKind, cause error) ir.DeadLetter {
	dl := ir.DeadLetter{
		Event:    ev,
		Kind:     kind,
		FailedAt: s.now(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}

	s.mu.Lock()
	s.entries = append(s.entries, dl)
	s.mu.Unlock()

	s.logger.Error("event dead-lettered",
		"event_id", ev.EventID,
		"record_id", ev.RecordID,
		"kind", kind,
		"retry_count", ev.RetryCount,
		"error", dl.Error)

	if s.persister != nil {
		if err := s.persister.SaveDeadLetter(ctx, dl); err != nil {
			s.logger.Error("persist dead letter",
				"event_id", ev.EventID,
				"error", err)
		}
	}
	return dl
}

// Load seeds the sink from the persister without writing entries back.
func (s *Sink) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	loaded, err := s.persister.LoadDeadLetters(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(loaded, s.entries...)
	return nil
}

// List returns all entries in the order they were added.
func (s *Sink) List() []ir.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// ByKind returns the entries of one kind.
func (s *Sink) ByKind(kind ir.DeadLetterKind) []ir.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ir.DeadLetter
	for _, dl := range s.entries {
		if dl.Kind == kind {
			out = append(out, dl)
		}
	}
	return out
}

// Counts returns the number of entries per kind.
func (s *Sink) Counts() map[ir.DeadLetterKind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[ir.DeadLetterKind]int)
	for _, dl := range s.entries {
		out[dl.Kind]++
	}
	return out
}

// Len returns the number of entries.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
