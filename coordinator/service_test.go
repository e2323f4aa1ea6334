package coordinator

import (
	"testing"
	"time"
)

func TestServiceStateConcurrencyCeiling(t *testing.T) {
	svc := newServiceState(serviceConfig{name: "api", concurrent: 2})
	now := time.Now()

	if !svc.canAdmit(now) {
		t.Fatal("expected admission with no active reservations")
	}
	svc.reserve(now)
	svc.reserve(now)
	if svc.canAdmit(now) {
		t.Fatal("expected no admission once concurrency ceiling is reached")
	}
	svc.release()
	if !svc.canAdmit(now) {
		t.Fatal("expected admission after a release freed a slot")
	}
}

func TestServiceStateRateWindow(t *testing.T) {
	svc := newServiceState(serviceConfig{name: "api", concurrent: unboundedConcurrency, rateCount: 2, rateWindow: time.Second})
	base := time.Now()

	if !svc.canAdmit(base) {
		t.Fatal("expected admission with empty window")
	}
	svc.reserve(base)
	svc.reserve(base)
	if svc.canAdmit(base) {
		t.Fatal("expected window exhausted after two reservations")
	}

	later := base.Add(2 * time.Second)
	if !svc.canAdmit(later) {
		t.Fatal("expected window to clear after it elapsed")
	}
}

func TestServiceStateZeroRateRejectsEverything(t *testing.T) {
	svc := newServiceState(serviceConfig{name: "frozen", concurrent: unboundedConcurrency, rateCount: 0, rateWindow: time.Second})
	if svc.canAdmit(time.Now()) {
		t.Fatal("rate 0/sec should reject all admission")
	}
}
