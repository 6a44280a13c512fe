package engine

import (
	"sync"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// retryQueue holds events waiting out their backoff delay.
//
// Each pending retry is a timer that re-submits the event to the buffer
// when it fires. stop cancels every timer that has not fired yet and hands
// the affected events back, so shutdown can dead-letter them instead of
// losing them.
//
// Thread-safety: retryQueue is safe for concurrent use.
type retryQueue struct {
	mu      sync.Mutex
	pending map[*time.Timer]ir.ChangeEvent
	closed  bool
	firing  sync.WaitGroup
}

func newRetryQueue() *retryQueue {
	return &retryQueue{pending: make(map[*time.Timer]ir.ChangeEvent)}
}

// schedule calls fire with ev after delay. It returns false if the queue
// was already stopped; the caller then owns ev.
func (q *retryQueue) schedule(ev ir.ChangeEvent, delay time.Duration, fire func(ir.ChangeEvent)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	var timer *time.Timer
	q.firing.Add(1)
	timer = time.AfterFunc(delay, func() {
		defer q.firing.Done()

		q.mu.Lock()
		_, ok := q.pending[timer]
		delete(q.pending, timer)
		q.mu.Unlock()

		if ok {
			fire(ev)
		}
	})
	q.pending[timer] = ev
	return true
}

// Len returns the number of retries still waiting.
func (q *retryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// stop cancels all pending retries and returns their events. Retries whose
// timer already fired are left to complete; wait blocks until they did.
func (q *retryQueue) stop() []ir.ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	var out []ir.ChangeEvent
	for timer, ev := range q.pending {
		if timer.Stop() {
			q.firing.Done()
		}
		out = append(out, ev)
		delete(q.pending, timer)
	}
	return out
}

// wait blocks until every fired retry callback has returned.
func (q *retryQueue) wait() {
	q.firing.Wait()
}
