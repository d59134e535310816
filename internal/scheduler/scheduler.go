// Package scheduler runs keyed deferred tasks with cancel-and-reschedule
// semantics. Scheduling a key that is already pending replaces the old
// task, so only the last task scheduled for a key within its delay runs.
package scheduler

import (
	"sync"
	"time"

	"github.com/115Studio/chat-backend/internal/clock"
)

type entry struct {
	timer *clock.Timer
	fn    func()
	gen   uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*entry
	gen     uint64
	stopped bool
}

func New(c clock.Clock) *Scheduler {
	return &Scheduler{
		clock:   c,
		pending: map[string]*entry{},
	}
}

// Schedule runs fn after d unless the key is rescheduled or cancelled
// first. fn runs on a timer goroutine, never while the scheduler lock is
// held.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.pending[key]; ok {
		// prev.timer is nil while its Schedule call is still attaching it.
		if prev.timer != nil {
			prev.timer.Stop()
		}
		delete(s.pending, key)
	}
	s.gen++
	e := &entry{fn: fn, gen: s.gen}
	s.pending[key] = e
	s.mu.Unlock()

	// The timer is attached after the entry is visible so a zero delay
	// firing synchronously still finds it.
	t := s.clock.AfterFunc(d, func() { s.fire(key, e.gen) })
	s.mu.Lock()
	if s.pending[key] == e {
		e.timer = t
	} else {
		// The entry was replaced or dropped before the timer existed.
		t.Stop()
	}
	s.mu.Unlock()
}

// Cancel drops the pending task for key. It reports whether a task was
// pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.pending, key)
	return true
}

// Pending reports whether a task is waiting for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Flush runs every pending task immediately on the calling goroutine and
// clears the queue.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	tasks := make([]func(), 0, len(s.pending))
	for key, e := range s.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		tasks = append(tasks, e.fn)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// Stop flushes pending tasks and rejects later Schedule calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Flush()
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()
	e.fn()
}
