// Package timer schedules keyed one-shot callbacks. Scheduling a key that is
// already pending cancels the previous callback first, so at most one
// callback per key is live at any time.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"idgov/internal/clock"
	"idgov/internal/registry"
)

type entry struct {
	timer    clock.Timer
	deadline time.Time
}

// Scheduler tracks pending callbacks by key.
type Scheduler struct {
	clock   clock.Clock
	entries *registry.Map[string, *entry]
	logger  *slog.Logger

	mu      sync.Mutex // serializes Schedule, Cancel and firing callbacks
	stopped bool
}

// New creates a Scheduler driven by clk.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clock:   clk,
		entries: registry.New[string, *entry](),
		logger:  logger.With("component", "timer"),
	}
}

// Schedule arranges for fn to run after delay under key. Any callback already
// pending for key is cancelled. It returns the deadline.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := s.clock.Now().Add(delay)
	if s.stopped {
		s.logger.Warn("schedule after stop ignored", "key", key)
		return deadline
	}

	// The entry is in place before the timer exists, and the callback takes
	// s.mu, so a callback that fires immediately still finds its own entry.
	e := &entry{deadline: deadline}
	if prev, ok := s.entries.Swap(key, e); ok {
		prev.timer.Stop()
		s.logger.Debug("replaced pending timer", "key", key, "previous_deadline", prev.deadline)
	}
	e.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		// A replacement may have been scheduled between firing and here.
		current := s.entries.CompareAndDelete(key, func(cur *entry) bool { return cur == e })
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	return deadline
}

// Cancel stops the pending callback for key. It reports whether one was pending;
// cancelling an unknown key is a no-op.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries.Delete(key)
	if !ok {
		return false
	}
	prev.timer.Stop()
	return true
}

// Pending returns the deadline of the callback scheduled under key.
func (s *Scheduler) Pending(key string) (time.Time, bool) {
	e, ok := s.entries.Get(key)
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Keys returns the pending keys in ascending order.
func (s *Scheduler) Keys() []string {
	return registry.Keys(s.entries)
}

// Len returns the number of pending callbacks.
func (s *Scheduler) Len() int {
	return s.entries.Len()
}

// Stop cancels every pending callback. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, e := range s.entries.Snapshot() {
		e.timer.Stop()
		s.entries.Delete(key)
	}
}
