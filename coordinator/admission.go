package coordinator

import (
	"log"
	"time"
)

// admissionOutcome is the result of evaluating one pending work unit
// against the task registry, the readiness/staleness predicates, and the
// target service's admission state. Ordering of the checks is part of
// the observable contract: unknown-task, then the retry-delay gate, then
// readiness, then staleness, then service capacity.
type admissionOutcome int

const (
	outcomeUnknownTask admissionOutcome = iota
	outcomeBlockedNotReady
	outcomeBlockedRetryDelay
	outcomeSkip
	outcomeBlockedService
	outcomeDispatch
)

// evaluateAdmission is a pure function over the supplied state: it makes
// no mutations and is safe to call from debug_blocked as well as from
// the scheduler loop's dispatch path.
func evaluateAdmission(rec *workRecord, tasks map[string]*TaskType, services map[string]*serviceState, cb *callbackRegistry, now time.Time) (admissionOutcome, *TaskType, *serviceState) {
	u := rec.snapshot()

	task, ok := tasks[u.Task]
	if !ok {
		return outcomeUnknownTask, nil, nil
	}

	rec.mu.Lock()
	eligible := rec.nextEligibleAt
	rec.mu.Unlock()
	if !eligible.IsZero() && now.Before(eligible) {
		return outcomeBlockedRetryDelay, task, nil
	}

	if cb.ready != nil {
		ready, err := callReady(cb.ready, u)
		if err != nil {
			log.Printf("coordinator: is_ready callback panicked for work %s: %v", u.ID, err)
			return outcomeBlockedNotReady, task, nil
		}
		if !ready {
			return outcomeBlockedNotReady, task, nil
		}
	}

	if cb.stale != nil {
		stale, err := callStale(cb.stale, u)
		if err != nil {
			// Fail-open: treat the callback error as "still needs to run".
			log.Printf("coordinator: is_stale callback panicked for work %s: %v", u.ID, err)
		} else if !stale {
			return outcomeSkip, task, nil
		}
	}

	svc, ok := services[task.ServiceName]
	if !ok {
		// A task can never be registered against an unknown service
		// (RegisterTask rejects that), so this only happens if a service
		// was somehow removed after the fact, which the public API never
		// allows. Treat defensively as blocked rather than panicking.
		return outcomeBlockedService, task, nil
	}
	if !svc.canAdmit(now) {
		return outcomeBlockedService, task, svc
	}

	return outcomeDispatch, task, svc
}

func callReady(fn ReadyFunc, w WorkUnit) (ready bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ready, err = false, panicToErr(r)
		}
	}()
	return fn(w), nil
}

func callStale(fn StaleFunc, w WorkUnit) (stale bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stale, err = true, panicToErr(r)
		}
	}()
	return fn(w), nil
}

func callPriority(fn PriorityFunc, ctx PriorityContext) (key float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			key, err = 0.5, panicToErr(r)
		}
	}()
	return fn(ctx), nil
}

func panicToErr(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return &panicValue{r}
}

type panicValue struct{ v any }

func (p *panicValue) Error() string { return "panic: " + formatAny(p.v) }

func formatAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return "non-string panic value"
}
