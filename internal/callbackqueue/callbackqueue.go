// Package callbackqueue implements the bounded MPSC queue that returns
// work from worker threads to the reactor thread, per spec.md §4.F. It is
// the fix for the critical race in §5/§9: a worker's callback never calls
// into the AIOQ directly — it pushes a callback here, and only the
// reactor, draining this queue on its own loop, performs submissions.
package callbackqueue

import (
	"sync"

	"github.com/s00inx/aioqserver/internal/conn"
)

// Priority orders callbacks within the queue. Lower values run first;
// ordering within a priority is FIFO.
type Priority int

const (
	High Priority = iota
	Normal
	Low
	numPriorities
)

// Item is one unit of reactor work deferred from a worker callback.
type Item struct {
	Conn     *conn.Connection
	Cb       func()
	Priority Priority
}

// Queue is a bounded, mutex-guarded MPSC priority queue. Capacity should
// match the AIOQ submission depth (spec.md §4.F).
type Queue struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	buckets  [numPriorities][]Item
	size     int
	cap      int
	stopped  bool
}

// New constructs a queue bounded at the given capacity.
func New(capacity int) *Queue {
	q := &Queue{cap: capacity}
	q.notEmpty.L = &q.mu
	return q
}

// Push enqueues item. It returns false, without dropping any existing
// item, when the queue is at capacity or has been stopped.
func (q *Queue) Push(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.size >= q.cap {
		return false
	}
	q.buckets[item.Priority] = append(q.buckets[item.Priority], item)
	q.size++
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an item is available or Stop is called, in which case
// it returns (Item{}, false).
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.stopped {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// TryPop returns immediately: (Item, true) if one was available, else
// (Item{}, false).
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (Item, bool) {
	if q.size == 0 {
		return Item{}, false
	}
	for p := High; p < numPriorities; p++ {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		item := bucket[0]
		q.buckets[p] = bucket[1:]
		q.size--
		return item, true
	}
	return Item{}, false
}

// Stop unblocks every waiter on Pop; subsequent Push calls fail.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Len returns the current number of queued items, across all priorities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
