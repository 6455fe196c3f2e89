package orchestrator

import (
	"sync"
	"time"
)

// Scheduler runs fn after d. Implementations must not run fn on the
// calling goroutine while the caller holds a project lock; the orchestrator
// only schedules after unlocking.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// TimerScheduler is the wall-clock Scheduler.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: map[*time.Timer]struct{}{}}
}

func (s *TimerScheduler) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

// Stop cancels pending callbacks and refuses new ones.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
}
