package coordinator

import (
	"sync"
	"time"
)

// workRecord is the coordinator's private mutable record for one work
// unit. Only the scheduler loop, the goroutine running that unit's
// handler, and Cancel ever mutate it, always under mu; everyone else sees
// the WorkUnit value snapshot
// returned by snapshot().
type workRecord struct {
	mu sync.Mutex

	unit WorkUnit

	cancelRequested bool
	nextEligibleAt  time.Time // retry backoff floor; zero means eligible now
	warnedPending   bool
}

func (r *workRecord) snapshot() WorkUnit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unit
}

// workStore holds every WorkUnit for the process lifetime of the
// coordinator, plus pending/active/terminal as three disjoint membership
// bags. Bags are kept as explicit id sets rather than derived by scanning
// the full map, so a pending snapshot is O(pending) not O(all work ever
// submitted).
type workStore struct {
	mu       sync.RWMutex
	records  map[string]*workRecord
	pending  map[string]struct{}
	active   map[string]struct{}
	terminal map[string]struct{}
}

func newWorkStore() *workStore {
	return &workStore{
		records:  make(map[string]*workRecord),
		pending:  make(map[string]struct{}),
		active:   make(map[string]struct{}),
		terminal: make(map[string]struct{}),
	}
}

// insert must only be used for a freshly submitted unit in PENDING.
func (s *workStore) insert(u WorkUnit) *workRecord {
	rec := &workRecord{unit: u}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[u.ID] = rec
	s.pending[u.ID] = struct{}{}
	return rec
}

func (s *workStore) get(id string) (WorkUnit, bool) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return WorkUnit{}, false
	}
	return rec.snapshot(), true
}

// list returns a snapshot of every work unit, optionally filtered to a
// single state.
func (s *workStore) list(filter *State) []WorkUnit {
	s.mu.RLock()
	recs := make([]*workRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]WorkUnit, 0, len(recs))
	for _, r := range recs {
		u := r.snapshot()
		if filter == nil || u.State == *filter {
			out = append(out, u)
		}
	}
	return out
}

// snapshotPending returns the records currently in the pending bag. The
// scheduler loop walks this slice each iteration.
func (s *workStore) snapshotPending() []*workRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workRecord, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, s.records[id])
	}
	return out
}

func (s *workStore) pendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// moveToActive transitions a pending unit to RUNNING: sets started_at,
// increments attempt, and moves bag membership. It is a no-op (returns
// false) if id is no longer in the pending bag — for example because a
// concurrent Cancel already moved it to CANCELLED — so a dispatch can
// never resurrect a cancelled or already-dispatched unit.
func (s *workStore) moveToActive(id string, now time.Time) (WorkUnit, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return WorkUnit{}, false
	}
	if _, stillPending := s.pending[id]; !stillPending {
		s.mu.Unlock()
		return WorkUnit{}, false
	}
	delete(s.pending, id)
	s.active[id] = struct{}{}
	s.mu.Unlock()

	rec.mu.Lock()
	rec.unit.State = StateRunning
	rec.unit.StartedAt = now
	rec.unit.Attempt++
	u := rec.unit
	rec.mu.Unlock()
	return u, true
}

// moveToTerminalFromPending transitions a pending unit directly to a
// terminal state (skip, pending-timeout failure). It is a no-op (returns
// false) if id has left the pending bag since the caller last observed
// it — for example because the scheduler loop already dispatched it to
// RUNNING earlier in the same iteration — which prevents a stale pending
// snapshot from firing a second terminal transition for a unit whose
// handler is already running.
func (s *workStore) moveToTerminalFromPending(id string, newState State, result any, errMsg string, now time.Time) (WorkUnit, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return WorkUnit{}, false
	}
	if _, stillPending := s.pending[id]; !stillPending {
		s.mu.Unlock()
		return WorkUnit{}, false
	}
	delete(s.pending, id)
	s.terminal[id] = struct{}{}
	s.mu.Unlock()

	rec.mu.Lock()
	rec.unit.State = newState
	rec.unit.CompletedAt = now
	rec.unit.Result = result
	rec.unit.Error = errMsg
	u := rec.unit
	rec.mu.Unlock()
	return u, true
}

// moveToTerminalFromActive transitions a running unit to a terminal state
// (completion, failure, or a cancellation discovered after the handler
// returned). Called at most once per dispatch (a failed attempt that is
// retried goes through requeuePending instead), from the single goroutine
// that owns that unit's active slot, so no membership race is possible
// here; terminal states are immutable once entered.
func (s *workStore) moveToTerminalFromActive(id string, newState State, result any, errMsg string, now time.Time) (WorkUnit, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return WorkUnit{}, false
	}
	delete(s.active, id)
	s.terminal[id] = struct{}{}
	s.mu.Unlock()

	rec.mu.Lock()
	rec.unit.State = newState
	rec.unit.CompletedAt = now
	rec.unit.Result = result
	rec.unit.Error = errMsg
	u := rec.unit
	rec.mu.Unlock()
	return u, true
}

// requeuePending returns a RUNNING unit that failed but has retry
// attempts remaining back to PENDING, clearing started_at and recording
// the earliest time it becomes eligible again.
func (s *workStore) requeuePending(id string, nextEligibleAt time.Time) (WorkUnit, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return WorkUnit{}, false
	}
	delete(s.active, id)
	s.pending[id] = struct{}{}
	s.mu.Unlock()

	rec.mu.Lock()
	rec.unit.State = StatePending
	rec.unit.StartedAt = time.Time{}
	rec.nextEligibleAt = nextEligibleAt
	u := rec.unit
	rec.mu.Unlock()
	return u, true
}

// cancel implements the three-way cancel rule: pending work is cancelled
// immediately, active work only has its cancellation intent recorded, and
// terminal work is left untouched. The pending-bag check and removal
// happen under one critical section shared with moveToActive's own
// check-and-remove, so a cancel racing a dispatch can never straddle
// both outcomes: whichever acquires the lock first determines whether
// the unit ends up CANCELLED or RUNNING-with-cancelRequested.
func (s *workStore) cancel(id string) (State, error) {
	now := time.Now()

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return "", errWorkNotFound
	}
	if _, isPending := s.pending[id]; isPending {
		delete(s.pending, id)
		s.terminal[id] = struct{}{}
		s.mu.Unlock()

		rec.mu.Lock()
		rec.unit.State = StateCancelled
		rec.unit.CompletedAt = now
		state := rec.unit.State
		rec.mu.Unlock()
		return state, nil
	}
	_, isActive := s.active[id]
	s.mu.Unlock()

	if isActive {
		rec.mu.Lock()
		rec.cancelRequested = true
		state := rec.unit.State
		rec.mu.Unlock()
		return state, nil
	}
	// Already terminal: no-op, return the terminal state.
	return rec.snapshot().State, nil
}

func (s *workStore) isCancelRequested(id string) bool {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cancelRequested
}
