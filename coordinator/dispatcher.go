package coordinator

import (
	"context"
	"log"
	"time"
)

// dispatch launches a handler invocation for a unit that was just moved
// to RUNNING. Each dispatch runs on its own goroutine; because Go's
// goroutines already unify synchronous and suspending code under one
// scheduling model, there is no separate "suspendable handler" code path
// for languages with two distinct execution models (see DESIGN.md).
//
// State mutations (service release, work store transition, event firing)
// happen directly on this goroutine rather than being funneled back
// through a single actor loop, mutating shared state under a mutex from
// the dispatched goroutine rather than via message passing. Because every
// mutation of a given id only ever happens from the one goroutine handling
// that id's current attempt, per-unit ordering holds without extra
// synchronization.
func (c *Coordinator) dispatch(task *TaskType, svc *serviceState, u WorkUnit) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runHandler(task, svc, u)
	}()
}

func (c *Coordinator) runHandler(task *TaskType, svc *serviceState, u WorkUnit) {
	ctx := c.handlerContext()

	result, err := callHandler(ctx, task.Handler, u)
	now := time.Now()
	duration := now.Sub(u.StartedAt)

	svc.release()

	if c.store.isCancelRequested(u.ID) {
		// A cancelled-while-running unit discards its result/error and
		// fires no completion callback.
		final, ok := c.store.moveToTerminalFromActive(u.ID, StateCancelled, nil, "", now)
		if ok {
			_ = final
			c.markProgress(now)
			c.signalWakeup()
		}
		return
	}

	if err != nil {
		c.handleFailure(task, u, err, now)
		return
	}

	final, ok := c.store.moveToTerminalFromActive(u.ID, StateCompleted, result, "", now)
	if !ok {
		return
	}
	c.markProgress(now)
	c.callbacks.fireComplete(final, result, duration)
	c.signalWakeup()
}

func (c *Coordinator) handleFailure(task *TaskType, u WorkUnit, err error, now time.Time) {
	if task.MaxAttempts > 1 && u.Attempt < task.MaxAttempts {
		delay := retryDelay(u.Attempt)
		_, ok := c.store.requeuePending(u.ID, now.Add(delay))
		if ok {
			logDecision(SchedulingDecision{Decision: "RETRY", WorkID: u.ID, Task: u.Task, Attempt: u.Attempt, DelayMS: delay.Milliseconds(), Reason: err.Error()})
			// Retries do not count as coordinator-wide progress; the
			// unit is still outstanding, just paced by backoff.
			c.signalWakeup()
		}
		return
	}

	final, ok := c.store.moveToTerminalFromActive(u.ID, StateFailed, nil, err.Error(), now)
	if !ok {
		return
	}
	c.markProgress(now)
	c.callbacks.fireFailure(final, err)
	c.signalWakeup()
}

// callHandler recovers a panicking handler the same way admission
// callbacks are recovered, so one bad handler never takes down the
// scheduler loop or any other unit's dispatch goroutine.
func callHandler(ctx context.Context, fn HandlerFunc, u WorkUnit) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: handler for task %s (work %s) panicked: %v", u.Task, u.ID, r)
			result, err = nil, panicToErr(r)
		}
	}()
	return fn(ctx, u)
}

// handlerContext returns the context handed to handlers. Running handlers
// are never forcibly cancelled on Stop; callers that need their own
// cancellation should thread it through WorkUnit.Params.
func (c *Coordinator) handlerContext() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlerCtx
}
