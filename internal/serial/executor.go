// Package serial runs callbacks one at a time in submission order.
package serial

import "sync"

// Executor is an unbounded FIFO of tasks executed sequentially. No goroutine
// is kept while the queue is empty, so an idle Executor costs nothing.
//
// Submit never blocks, which makes it safe to call from within a running
// task; the new task runs after the current one returns.
type Executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

// Submit queues fn. It returns false if the executor has been closed.
func (e *Executor) Submit(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return true
	}
	e.running = true
	e.mu.Unlock()

	go e.drain()
	return true
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}

// Close rejects further submissions. Tasks already queued still run.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Closed reports whether Close has been called
func (e *Executor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
