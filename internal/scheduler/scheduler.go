// Package scheduler is the timer facility shared by the connections of a
// client. It is owned by the client and shut down with it.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler runs callbacks after a delay. Shutdown stops every pending
// callback and turns later Schedule calls into no-ops.
type Scheduler struct {
	mu     sync.Mutex
	timers map[uint64]*time.Timer
	nextID uint64
	closed bool
}

// Timer is a handle to a scheduled callback. The zero value and nil are
// valid, inert timers.
type Timer struct {
	s  *Scheduler
	id uint64
}

func New() *Scheduler {
	return &Scheduler{timers: make(map[uint64]*time.Timer)}
}

// Schedule runs fn on its own goroutine after d. A non-positive d means the
// timeout is disabled and fn never runs.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		return &Timer{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Timer{}
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if pending {
			fn()
		}
	})
	return &Timer{s: s, id: id}
}

// Cancel stops the timer. It reports whether the callback was prevented from
// running.
func (t *Timer) Cancel() bool {
	if t == nil || t.s == nil {
		return false
	}
	s := t.s

	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[t.id]
	if !ok {
		return false
	}
	delete(s.timers, t.id)
	timer.Stop()
	return true
}

// Pending returns the number of timers that have neither fired nor been
// cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown cancels all pending timers
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
