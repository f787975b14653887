// Package alarm provides per-session one-shot alarms: each session key
// holds at most one armed timer at a time, so an active batch never has
// more than one processor pass scheduled against it.
package alarm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/clock"
)

// Scheduler arms one timer per session key. Scheduling again for the
// same key replaces the armed timer, keeping the one-alarm invariant.
type Scheduler struct {
	clk clock.Clock

	mu     sync.Mutex
	armed  map[string]*entry
	closed bool
}

type entry struct {
	batchID string
	timer   clock.Timer
}

func NewScheduler(clk clock.Clock) *Scheduler {
	return &Scheduler{clk: clk, armed: make(map[string]*entry)}
}

// Schedule arms fn to run after delay for the given session key. A
// previously armed timer for the key is stopped and replaced. Returns
// false if the scheduler is shut down.
func (s *Scheduler) Schedule(sessionKey, batchID string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if prev, ok := s.armed[sessionKey]; ok {
		prev.timer.Stop()
		slog.Debug("alarm.replaced", "session", sessionKey, "batch", prev.batchID)
	}

	e := &entry{batchID: batchID}
	e.timer = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		// Only clear the slot if it still belongs to this alarm; a
		// replacement may have raced the firing timer.
		if cur, ok := s.armed[sessionKey]; ok && cur == e {
			delete(s.armed, sessionKey)
		}
		s.mu.Unlock()
		fn()
	})
	s.armed[sessionKey] = e
	return true
}

// Cancel disarms any pending alarm for the session key.
func (s *Scheduler) Cancel(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.armed[sessionKey]; ok {
		e.timer.Stop()
		delete(s.armed, sessionKey)
	}
}

// Armed reports whether an alarm is pending for the session key.
func (s *Scheduler) Armed(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[sessionKey]
	return ok
}

// Shutdown stops all pending alarms. New Schedule calls are rejected.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, e := range s.armed {
		e.timer.Stop()
		delete(s.armed, key)
	}
}
