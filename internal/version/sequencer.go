package version

import "sync"

// sequencer hands out per-key tickets and admits their holders strictly in
// ticket order. It is the per-record lock: two events for the same record
// are never mid-pipeline concurrently, and they run in the order their
// tickets were taken.
type sequencer struct {
	mu   sync.Mutex
	keys map[string]*keyQueue
}

type keyQueue struct {
	next    uint64
	serving uint64
	changed chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{keys: make(map[string]*keyQueue)}
}

// Ticket is a place in one record's queue. Every reserved ticket must be
// waited on and then released exactly once; an abandoned ticket blocks
// every later ticket for the same record.
type Ticket struct {
	s   *sequencer
	key string
	n   uint64
}

// Key returns the record ID the ticket was reserved for.
func (t Ticket) Key() string {
	return t.key
}

func (s *sequencer) reserve(key string) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.keys[key]
	if !ok {
		q = &keyQueue{changed: make(chan struct{})}
		s.keys[key] = q
	}
	n := q.next
	q.next++
	return Ticket{s: s, key: key, n: n}
}

// Wait blocks until every earlier ticket for the same key is released.
// Ticket holders always make progress, so Wait does not take a context.
func (t Ticket) Wait() {
	for {
		t.s.mu.Lock()
		q := t.s.keys[t.key]
		if q.serving == t.n {
			t.s.mu.Unlock()
			return
		}
		ch := q.changed
		t.s.mu.Unlock()
		<-ch
	}
}

// Release admits the next ticket. It must only be called after Wait
// returned. Queues with no outstanding tickets are
// removed so the map does not grow with the number of records seen.
func (t Ticket) Release() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	q := t.s.keys[t.key]
	q.serving++
	close(q.changed)
	q.changed = make(chan struct{})
	if q.serving == q.next {
		delete(t.s.keys, t.key)
	}
}

func (s *sequencer) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
