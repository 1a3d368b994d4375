// Package workerpool runs connection work off the reactor thread, per
// spec.md §4.E. It generalizes the teacher's internal/engine/pool.go
// startWorkerPool/workerEpoll pair: instead of one fixed job (read+parse
// on an epoll fd), a worker here runs an arbitrary task bound to a
// connection, then an optional callback on the same goroutine.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/s00inx/aioqserver/internal/conn"
)

// ErrStopped is returned by Submit/SubmitWithCallback once Stop has been
// called.
var ErrStopped = errors.New("workerpool: stopped")

// ErrQueueFull is returned when the pool was constructed with a bounded
// queue depth and that bound has been reached.
var ErrQueueFull = errors.New("workerpool: queue full")

// Task is one unit of deferred connection work.
type Task struct {
	Fn       func(*conn.Connection)
	Conn     *conn.Connection
	Callback func(*conn.Connection)
	done     chan struct{}
}

// Pool is a fixed-size set of goroutines draining one FIFO task queue,
// mirroring the teacher's goroutine-per-worker layout in
// internal/engine/pool.go, generalized from a hardcoded read+parse job
// to an arbitrary (fn, conn, callback) triple.
type Pool struct {
	mu      sync.Mutex
	cond    sync.Cond
	queue   []Task
	stopped bool
	maxLen  int // 0 means unbounded

	sem *semaphore.Weighted // nil when unbounded

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New spawns n worker goroutines. maxQueueLen bounds the number of
// pending tasks; 0 leaves the queue unbounded, matching spec.md §4.E's
// "no backpressure by default" note.
func New(n int, maxQueueLen int) *Pool {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, _ := errgroup.WithContext(ctx)

	p := &Pool{
		maxLen: maxQueueLen,
		group:  group,
		cancel: cancel,
	}
	p.cond.L = &p.mu
	if maxQueueLen > 0 {
		p.sem = semaphore.NewWeighted(int64(maxQueueLen))
	}

	for i := 0; i < n; i++ {
		group.Go(func() error {
			p.run()
			return nil
		})
	}
	return p
}

func (p *Pool) run() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.stopped {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if p.sem != nil {
			p.sem.Release(1)
		}

		if task.Fn != nil {
			task.Fn(task.Conn)
		}
		if task.Callback != nil {
			task.Callback(task.Conn)
		}
		if task.done != nil {
			close(task.done)
		}
	}
}

// Submit enqueues fn to run on a worker goroutine against c, returning a
// channel closed once fn has completed. It is the Go analogue of
// spec.md's enqueue(fn) -> future<R>, collapsed to future<void> since
// this pool's tasks don't carry a return value.
func (p *Pool) Submit(fn func(*conn.Connection), c *conn.Connection) (<-chan struct{}, error) {
	done := make(chan struct{})
	if err := p.push(Task{Fn: fn, Conn: c, done: done}); err != nil {
		return nil, err
	}
	return done, nil
}

// SubmitWithCallback enqueues fn to run on a worker goroutine against c;
// once fn returns, cb runs on that same worker goroutine before the
// worker picks up its next task. This is how dispatcher handlers hand
// parsed requests back without touching the AIOQ from a worker thread
// (spec.md §4.F, §9).
func (p *Pool) SubmitWithCallback(fn func(*conn.Connection), c *conn.Connection, cb func(*conn.Connection)) error {
	return p.push(Task{Fn: fn, Conn: c, Callback: cb})
}

func (p *Pool) push(t Task) error {
	if p.sem != nil {
		if !p.sem.TryAcquire(1) {
			return ErrQueueFull
		}
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		if p.sem != nil {
			p.sem.Release(1)
		}
		return ErrStopped
	}
	if p.maxLen > 0 && len(p.queue) >= p.maxLen {
		p.mu.Unlock()
		if p.sem != nil {
			p.sem.Release(1)
		}
		return ErrQueueFull
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Stop lets every already-queued task (and its callback) run to
// completion on whichever worker dequeues it, then waits for all
// workers to exit. No task is cancelled; nothing new can be submitted
// once Stop has started. After Stop returns, no task and no callback
// will execute again, satisfying spec.md §4.E's shutdown invariant.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()

	_ = p.group.Wait()
	p.cancel()
}

// Len returns the current number of queued, not-yet-started tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
