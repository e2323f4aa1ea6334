package coordinator

import (
	"context"
	"testing"
	"time"
)

func TestSortPendingOrdersByPriorityThenAge(t *testing.T) {
	base := time.Now()
	items := []pendingItem{
		{u: WorkUnit{ID: "old-low", CreatedAt: base}, key: 0},
		{u: WorkUnit{ID: "new-high", CreatedAt: base.Add(time.Second)}, key: 1},
		{u: WorkUnit{ID: "old-high", CreatedAt: base.Add(-time.Second)}, key: 1},
	}
	sortPending(items)

	want := []string{"old-high", "new-high", "old-low"}
	for i, id := range want {
		if items[i].u.ID != id {
			t.Fatalf("position %d: want %s, got %s", i, id, items[i].u.ID)
		}
	}
}

func TestSortPendingFIFOWithoutPriority(t *testing.T) {
	base := time.Now()
	items := []pendingItem{
		{u: WorkUnit{ID: "second", CreatedAt: base.Add(time.Millisecond)}},
		{u: WorkUnit{ID: "first", CreatedAt: base}},
	}
	sortPending(items)
	if items[0].u.ID != "first" || items[1].u.ID != "second" {
		t.Fatalf("expected FIFO order, got %s, %s", items[0].u.ID, items[1].u.ID)
	}
}

func TestComputePriorityDefaultsToZero(t *testing.T) {
	c := New()
	key := c.computePriority(WorkUnit{}, 0, 0)
	if key != 0 {
		t.Fatalf("expected 0 with no priority callback registered, got %v", key)
	}
}

func TestComputePriorityPanicFallsBackToMidpoint(t *testing.T) {
	c := New()
	if err := c.OnPriority(func(PriorityContext) float64 { panic("boom") }); err != nil {
		t.Fatalf("unexpected error registering priority callback: %v", err)
	}
	key := c.computePriority(WorkUnit{}, 0, 0)
	if key != 0.5 {
		t.Fatalf("expected fallback key 0.5 on panic, got %v", key)
	}
}

func TestRunIterationDispatchesReadyWork(t *testing.T) {
	c := New()
	if err := c.RegisterService("svc", WithConcurrency(1)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	started := make(chan struct{})
	block := make(chan struct{})
	if err := c.RegisterTask("t", "svc", func(ctx context.Context, w WorkUnit) (any, error) {
		close(started)
		<-block
		return "ok", nil
	}); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	id, err := c.Submit("t", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	c.runIteration()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected handler to start within one iteration")
	}

	u, ok := c.Get(id)
	if !ok || u.State != StateRunning {
		t.Fatalf("expected RUNNING after dispatch, got %+v ok=%v", u, ok)
	}
	close(block)
}

func TestRunIterationLeavesUnknownTaskPending(t *testing.T) {
	c := New()
	rec := &workRecord{unit: WorkUnit{ID: "w1", Task: "ghost", State: StatePending, CreatedAt: time.Now()}}
	c.store.records["w1"] = rec
	c.store.pending["w1"] = struct{}{}

	c.runIteration()

	u, ok := c.store.get("w1")
	if !ok || u.State != StatePending {
		t.Fatalf("expected unit to remain pending, got %+v ok=%v", u, ok)
	}
}

func TestCheckStallTimeoutFailsAllPending(t *testing.T) {
	c := New(WithStallTimeout(0, 10*time.Millisecond))
	rec := &workRecord{unit: WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: time.Now()}}
	c.store.records["w1"] = rec
	c.store.pending["w1"] = struct{}{}

	c.progressMu.Lock()
	c.lastProgress = time.Now().Add(-time.Hour)
	c.progressMu.Unlock()

	c.checkStallTimeout(time.Now())

	u, ok := c.store.get("w1")
	if !ok || u.State != StateFailed {
		t.Fatalf("expected stalled pending work to fail, got %+v ok=%v", u, ok)
	}
}

func TestCheckPendingTimeoutsFailsAgedItem(t *testing.T) {
	c := New(WithPendingTimeout(0, 10*time.Millisecond))
	old := time.Now().Add(-time.Hour)
	rec := &workRecord{unit: WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: old}}
	c.store.records["w1"] = rec
	c.store.pending["w1"] = struct{}{}

	items := []pendingItem{{rec: rec, u: rec.snapshot()}}
	c.checkPendingTimeouts(items, time.Now())

	u, ok := c.store.get("w1")
	if !ok || u.State != StateFailed {
		t.Fatalf("expected pending-timeout to fail the unit, got %+v ok=%v", u, ok)
	}
}

func TestCheckPendingTimeoutsSkipsItemDispatchedSameIteration(t *testing.T) {
	c := New(WithPendingTimeout(0, 10*time.Millisecond))
	old := time.Now().Add(-time.Hour)
	rec := &workRecord{unit: WorkUnit{ID: "w1", Task: "t", State: StatePending, CreatedAt: old}}
	c.store.records["w1"] = rec
	c.store.pending["w1"] = struct{}{}

	// items holds the pre-walk pending snapshot, the way runIteration
	// builds it before evaluateAndAct runs. Simulate the item dispatching
	// (moving to active) in between the snapshot and the timeout check.
	items := []pendingItem{{rec: rec, u: rec.snapshot()}}
	if _, ok := c.store.moveToActive("w1", time.Now()); !ok {
		t.Fatal("setup: expected moveToActive to succeed")
	}

	c.checkPendingTimeouts(items, time.Now())

	u, ok := c.store.get("w1")
	if !ok || u.State != StateRunning {
		t.Fatalf("expected unit to remain RUNNING, not be failed by a stale pending snapshot, got %+v ok=%v", u, ok)
	}
}
