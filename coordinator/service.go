package coordinator

import (
	"math"
	"sync"
	"time"
)

// serviceConfig holds the admission limits a service was registered with.
// Created once at RegisterService and never mutated.
type serviceConfig struct {
	name       string
	concurrent int           // math.MaxInt32 means unbounded
	rateCount  int           // with a nonzero rateWindow, 0 admits nothing
	rateWindow time.Duration // 0 means no rate check
	rateRaw    string        // original rate string; equalTo compares the parsed count and window instead
}

func (c serviceConfig) equalTo(other serviceConfig) bool {
	return c.concurrent == other.concurrent &&
		c.rateCount == other.rateCount &&
		c.rateWindow == other.rateWindow
}

// serviceState is the live admission bucket for one named service: a
// concurrency counter plus a sliding window of recent dispatch timestamps.
// The window is a plain slice used as a deque: timestamps older than
// now-window are evicted from the front on every check. This is a
// different admission rule than golang.org/x/time/rate's token bucket, so
// it is hand-rolled rather than built on that package (see DESIGN.md).
type serviceState struct {
	cfg serviceConfig

	mu            sync.Mutex
	activeCount   int
	dispatchTimes []time.Time
}

func newServiceState(cfg serviceConfig) *serviceState {
	return &serviceState{cfg: cfg}
}

// evictLocked drops dispatch timestamps that have aged out of the window.
// Caller must hold s.mu.
func (s *serviceState) evictLocked(now time.Time) {
	if s.cfg.rateWindow == 0 {
		return
	}
	cutoff := now.Add(-s.cfg.rateWindow)
	i := 0
	for i < len(s.dispatchTimes) && !s.dispatchTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.dispatchTimes = s.dispatchTimes[i:]
	}
}

// canAdmit reports whether a new dispatch is allowed right now: strictly
// under the concurrency ceiling and strictly under the rate ceiling.
func (s *serviceState) canAdmit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(now)

	if s.activeCount >= s.cfg.concurrent {
		return false
	}
	if s.cfg.rateWindow > 0 && len(s.dispatchTimes) >= s.cfg.rateCount {
		return false
	}
	return true
}

// reserve must be called exactly once per dispatch, immediately after
// canAdmit returned true and before the handler begins.
func (s *serviceState) reserve(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCount++
	if s.cfg.rateWindow > 0 {
		s.dispatchTimes = append(s.dispatchTimes, now)
	}
}

// release is called exactly once per handler termination, regardless of
// outcome (success, failure, or cancellation). It never touches the
// dispatch-timestamp history; those age out of the window on their own.
func (s *serviceState) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCount > 0 {
		s.activeCount--
	}
}

func (s *serviceState) snapshot(now time.Time) (active, windowed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(now)
	return s.activeCount, len(s.dispatchTimes)
}

const unboundedConcurrency = math.MaxInt32
