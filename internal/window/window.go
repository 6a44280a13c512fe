// Package window groups change events into sliding time windows for
// downstream aggregate consumers.
//
// Windows are a side-channel: they never gate whether an event is applied
// to the stores. A window is created lazily on the first event whose
// timestamp falls in [Start, End), closes once the wall clock reaches End,
// is handed to an aggregate callback, and is evicted after a retention
// period.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// DefaultRetention is how long processed windows are kept before eviction.
const DefaultRetention = 10 * time.Minute

// Clock supplies wall-clock time for closing windows.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Callback consumes one closed window. A nil error marks the window
// processed; an error leaves it closed so the next pass retries it.
type Callback func(ctx context.Context, w ir.StreamWindow) error

// Manager assigns events to windows and drives their lifecycle.
//
// Thread-safety: all methods are safe for concurrent use. AddEvent is
// called from the ingestion path and must stay non-blocking; it only takes
// the internal mutex.
type Manager struct {
	mu      sync.Mutex
	size    time.Duration
	slide   time.Duration
	windows map[string]*ir.StreamWindow

	// closedThrough is the wall-clock time of the latest close pass.
	// Windows ending at or before it that do not exist yet are late.
	closedThrough time.Time
	lateEvents    int64

	retention time.Duration
	clock     Clock
	logger    *slog.Logger
	onLate    func(ev ir.ChangeEvent, windowID string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the wall clock. Tests use a manual clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRetention sets how long processed windows survive in Run.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		m.retention = d
	}
}

// WithLateHandler registers a function called for every event that
// targets a window which was already processed or evicted.
func WithLateHandler(fn func(ev ir.ChangeEvent, windowID string)) Option {
	return func(m *Manager) {
		m.onLate = fn
	}
}

// New creates a Manager for windows of length size starting every slide.
// size >= slide yields overlapping windows.
func New(size, slide time.Duration, opts ...Option) (*Manager, error) {
	if size <= 0 || slide <= 0 {
		return nil, fmt.Errorf("window: size and slide must be positive (size=%s slide=%s)", size, slide)
	}
	m := &Manager{
		size:      size,
		slide:     slide,
		windows:   make(map[string]*ir.StreamWindow),
		retention: DefaultRetention,
		clock:     systemClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the window identifier for a window starting at start.
func ID(start time.Time) string {
	return "w-" + start.UTC().Format(time.RFC3339Nano)
}

// alignedStart floors ts to a multiple of slide since the Unix epoch.
func (m *Manager) alignedStart(ts time.Time) time.Time {
	n := ts.UnixNano()
	sl := m.slide.Nanoseconds()
	q := n / sl
	if n%sl < 0 {
		q--
	}
	return time.Unix(0, q*sl).UTC()
}

// starts returns the start times of every window containing ts, newest
// first.
func (m *Manager) starts(ts time.Time) []time.Time {
	var out []time.Time
	for s := m.alignedStart(ts); s.Add(m.size).After(ts); s = s.Add(-m.slide) {
		out = append(out, s)
	}
	return out
}

// AddEvent adds ev to every window whose [Start, End) contains its
// timestamp and returns the IDs of the windows it joined. Windows that
// were already processed (or are past the last close pass and never
// existed) reject the event as late; late events are counted, never
// aggregated.
func (m *Manager) AddEvent(ev ir.ChangeEvent) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var joined []string
	var late []string
	for _, start := range m.starts(ev.Timestamp) {
		id := ID(start)
		w, ok := m.windows[id]
		if !ok {
			end := start.Add(m.size)
			if !m.closedThrough.IsZero() && !end.After(m.closedThrough) {
				late = append(late, id)
				continue
			}
			w = &ir.StreamWindow{WindowID: id, Start: start, End: end}
			m.windows[id] = w
		}
		if w.Processed {
			late = append(late, id)
			continue
		}
		w.Events = append(w.Events, ev)
		joined = append(joined, id)
	}

	for _, id := range late {
		m.lateEvents++
		m.logger.Debug("late window event",
			"event_id", ev.EventID,
			"window_id", id)
		if m.onLate != nil {
			m.onLate(ev, id)
		}
	}
	return joined
}

// ReadyWindows closes every window whose end has passed and returns copies
// of the closed, unprocessed windows ordered by start time.
func (m *Manager) ReadyWindows() []ir.StreamWindow {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if now.After(m.closedThrough) {
		m.closedThrough = now
	}

	var ready []ir.StreamWindow
	for _, w := range m.windows {
		if !w.Closed && !now.Before(w.End) {
			w.Closed = true
			w.ClosedAt = now
		}
		if w.Closed && !w.Processed {
			cp := *w
			cp.Events = slices.Clone(w.Events)
			ready = append(ready, cp)
		}
	}
	slices.SortFunc(ready, func(a, b ir.StreamWindow) int {
		return a.Start.Compare(b.Start)
	})
	return ready
}

// MarkProcessed records that the aggregate callback for id completed.
func (m *Manager) MarkProcessed(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		return fmt.Errorf("window %s not found", id)
	}
	if !w.Closed {
		return fmt.Errorf("window %s is still open", id)
	}
	w.Processed = true
	return nil
}

// Cleanup deletes processed windows whose end is older than retention and
// returns how many were removed.
func (m *Manager) Cleanup(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := m.clock.Now().Add(-retention)
	removed := 0
	for id, w := range m.windows {
		if w.Processed && w.End.Before(horizon) {
			delete(m.windows, id)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the window with the given id.
func (m *Manager) Get(id string) (ir.StreamWindow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		return ir.StreamWindow{}, false
	}
	cp := *w
	cp.Events = slices.Clone(w.Events)
	return cp, true
}

// OpenCount returns the number of windows not yet closed.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, w := range m.windows {
		if !w.Closed {
			n++
		}
	}
	return n
}

// Len returns the number of tracked windows in any state.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// LateEvents returns how many (event, window) pairs were rejected as late.
func (m *Manager) LateEvents() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lateEvents
}

// Process runs one close pass: every ready window is handed to cb and
// marked processed when cb succeeds, then expired windows are evicted.
// It returns the number of windows processed.
func (m *Manager) Process(ctx context.Context, cb Callback) int {
	processed := 0
	for _, w := range m.ReadyWindows() {
		if ctx.Err() != nil {
			break
		}
		if err := cb(ctx, w); err != nil {
			m.logger.Warn("window callback failed",
				"window_id", w.WindowID,
				"error", err)
			continue
		}
		if err := m.MarkProcessed(w.WindowID); err != nil {
			m.logger.Warn("mark window processed",
				"window_id", w.WindowID,
				"error", err)
			continue
		}
		processed++
		m.logger.Debug("window processed",
			"window_id", w.WindowID,
			"event_count", len(w.Events))
	}
	if n := m.Cleanup(m.retention); n > 0 {
		m.logger.Debug("windows evicted", "count", n)
	}
	return processed
}

// Run calls Process every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration, cb Callback) error {
	if interval <= 0 {
		return fmt.Errorf("window: run interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Process(ctx, cb)
		}
	}
}
