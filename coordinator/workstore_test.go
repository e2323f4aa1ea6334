package coordinator

import (
	"testing"
	"time"
)

func TestWorkStoreLifecycle(t *testing.T) {
	s := newWorkStore()
	u := WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()}
	s.insert(u)

	if s.pendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", s.pendingCount())
	}

	got, ok := s.get("w1")
	if !ok || got.State != StatePending {
		t.Fatalf("expected pending snapshot, got %+v ok=%v", got, ok)
	}

	active, ok := s.moveToActive("w1", time.Now())
	if !ok || active.State != StateRunning || active.Attempt != 1 {
		t.Fatalf("unexpected active snapshot: %+v ok=%v", active, ok)
	}
	if s.pendingCount() != 0 {
		t.Fatalf("expected 0 pending after dispatch, got %d", s.pendingCount())
	}

	done, ok := s.moveToTerminalFromActive("w1", StateCompleted, "result", "", time.Now())
	if !ok || done.State != StateCompleted || done.Result != "result" {
		t.Fatalf("unexpected terminal snapshot: %+v ok=%v", done, ok)
	}
}

func TestWorkStoreMoveToActiveRejectsNoLongerPending(t *testing.T) {
	s := newWorkStore()
	s.insert(WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()})

	if _, err := s.cancel("w1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A dispatch racing a cancel that already fired must not resurrect
	// the cancelled unit into RUNNING.
	if _, ok := s.moveToActive("w1", time.Now()); ok {
		t.Fatal("expected moveToActive to reject a unit no longer in the pending bag")
	}
	got, _ := s.get("w1")
	if got.State != StateCancelled {
		t.Fatalf("expected state to remain CANCELLED, got %s", got.State)
	}
}

func TestWorkStoreMoveToTerminalFromPendingRejectsAlreadyDispatched(t *testing.T) {
	s := newWorkStore()
	s.insert(WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()})
	s.moveToActive("w1", time.Now())

	// A stale pending-timeout check computed before dispatch must not
	// fail a unit whose handler is now running.
	if _, ok := s.moveToTerminalFromPending("w1", StateFailed, nil, "stale timeout", time.Now()); ok {
		t.Fatal("expected moveToTerminalFromPending to reject a unit no longer pending")
	}
	got, _ := s.get("w1")
	if got.State != StateRunning {
		t.Fatalf("expected state to remain RUNNING, got %s", got.State)
	}
}

func TestWorkStoreCancelPending(t *testing.T) {
	s := newWorkStore()
	s.insert(WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()})

	state, err := s.cancel("w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", state)
	}

	got, _ := s.get("w1")
	if got.State != StateCancelled {
		t.Fatalf("expected persisted CANCELLED state, got %s", got.State)
	}
}

func TestWorkStoreCancelRunningRecordsIntent(t *testing.T) {
	s := newWorkStore()
	s.insert(WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()})
	s.moveToActive("w1", time.Now())

	state, err := s.cancel("w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateRunning {
		t.Fatalf("expected cancel of a running unit to report RUNNING (intent only), got %s", state)
	}
	if !s.isCancelRequested("w1") {
		t.Fatal("expected cancel intent to be recorded")
	}
}

func TestWorkStoreCancelTerminalIsNoOp(t *testing.T) {
	s := newWorkStore()
	s.insert(WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()})
	s.moveToActive("w1", time.Now())
	s.moveToTerminalFromActive("w1", StateFailed, nil, "boom", time.Now())

	state, err := s.cancel("w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateFailed {
		t.Fatalf("expected the existing terminal state FAILED, got %s", state)
	}
}

func TestWorkStoreRequeuePending(t *testing.T) {
	s := newWorkStore()
	s.insert(WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()})
	s.moveToActive("w1", time.Now())

	next := time.Now().Add(time.Second)
	u, ok := s.requeuePending("w1", next)
	if !ok || u.State != StatePending || !u.StartedAt.IsZero() {
		t.Fatalf("unexpected requeue snapshot: %+v ok=%v", u, ok)
	}
	if s.pendingCount() != 1 {
		t.Fatalf("expected 1 pending after requeue, got %d", s.pendingCount())
	}
}
