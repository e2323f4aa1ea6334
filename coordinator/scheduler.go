package coordinator

import (
	"sort"
	"time"
)

// pendingItem pairs a snapshotted record with its computed priority key
// for one scheduling iteration.
type pendingItem struct {
	rec *workRecord
	u   WorkUnit
	key float64
}

// sortPending orders candidates by decreasing priority, with ties broken
// by ascending created_at so older items always eventually win and
// starvation cannot occur. With no priority callback registered, every
// key is 0 and the tie-break alone produces FIFO order.
func sortPending(items []pendingItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].key != items[j].key {
			return items[i].key > items[j].key
		}
		return items[i].u.CreatedAt.Before(items[j].u.CreatedAt)
	})
}

func (c *Coordinator) computePriority(u WorkUnit, waitTime time.Duration, queueDepth int) float64 {
	fn := c.callbacks.priority
	if fn == nil {
		return 0
	}
	key, err := callPriority(fn, PriorityContext{Work: u, WaitTime: waitTime, QueueDepth: queueDepth})
	if err != nil {
		return 0.5
	}
	return key
}

// runLoop is the scheduler's single coordinating goroutine, started by
// Start(). It is driven by a wakeup channel (submit/completion/cancel)
// and a bounded tick timer.
func (c *Coordinator) runLoop() {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		c.runIteration()

		select {
		case <-c.stopCh:
			return
		case <-c.wakeupCh:
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) runIteration() {
	now := time.Now()

	recs := c.store.snapshotPending()
	items := make([]pendingItem, 0, len(recs))
	for _, r := range recs {
		u := r.snapshot()
		wait := now.Sub(u.CreatedAt)
		key := c.computePriority(u, wait, len(recs))
		items = append(items, pendingItem{rec: r, u: u, key: key})
	}
	sortPending(items)

	for _, item := range items {
		c.evaluateAndAct(item.rec, now)
	}

	c.checkPendingTimeouts(items, now)
	c.checkStallTimeout(now)
}

func (c *Coordinator) evaluateAndAct(rec *workRecord, now time.Time) {
	outcome, task, svc := evaluateAdmission(rec, c.tasksSnapshot(), c.servicesSnapshot(), c.callbacks, now)

	switch outcome {
	case outcomeSkip:
		u, ok := c.store.moveToTerminalFromPending(rec.unit.ID, StateCompleted, nil, "", now)
		if ok {
			logDecision(SchedulingDecision{Decision: "SKIP", WorkID: u.ID, Task: u.Task})
			c.markProgress(now)
			c.callbacks.fireSkip(u)
			c.signalWakeup()
		}
	case outcomeDispatch:
		svc.reserve(now)
		u, ok := c.store.moveToActive(rec.unit.ID, now)
		if !ok {
			svc.release()
			return
		}
		logDecision(SchedulingDecision{Decision: "DISPATCH", WorkID: u.ID, Task: u.Task, Service: task.ServiceName, Attempt: u.Attempt})
		c.callbacks.fireStart(u)
		c.dispatch(task, svc, u)
	case outcomeBlockedService:
		reason := "service has no free concurrency slot or rate budget"
		if svc == nil {
			reason = "service no longer registered"
		}
		logDecision(SchedulingDecision{Decision: "BLOCK", WorkID: rec.unit.ID, Task: task.Name, Service: task.ServiceName, Reason: reason})
	case outcomeUnknownTask, outcomeBlockedNotReady, outcomeBlockedRetryDelay:
		// Leave pending; re-evaluated on the next iteration.
	}
}

func (c *Coordinator) tasksSnapshot() map[string]*TaskType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*TaskType, len(c.tasks))
	for k, v := range c.tasks {
		out[k] = v
	}
	return out
}

func (c *Coordinator) servicesSnapshot() map[string]*serviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*serviceState, len(c.services))
	for k, v := range c.services {
		out[k] = v
	}
	return out
}

// checkPendingTimeouts implements the pending_warn_after / pending_timeout
// policy over the items considered this iteration.
func (c *Coordinator) checkPendingTimeouts(items []pendingItem, now time.Time) {
	if c.opts.PendingTimeout <= 0 && c.opts.PendingWarnAfter <= 0 {
		return
	}
	for _, item := range items {
		age := now.Sub(item.u.CreatedAt)

		if c.opts.PendingTimeout > 0 && age > c.opts.PendingTimeout {
			u, ok := c.store.moveToTerminalFromPending(item.rec.unit.ID, StateFailed, nil, "pending timeout exceeded", now)
			if ok {
				logDecision(SchedulingDecision{Decision: "STALL", WorkID: u.ID, Task: u.Task, Reason: "pending timeout exceeded", DelayMS: age.Milliseconds()})
				c.markProgress(now)
				c.callbacks.fireFailure(u, errPendingTimeout)
				c.signalWakeup()
			}
			continue
		}

		if c.opts.PendingWarnAfter > 0 && age > c.opts.PendingWarnAfter {
			item.rec.mu.Lock()
			alreadyWarned := item.rec.warnedPending
			item.rec.warnedPending = true
			item.rec.mu.Unlock()
			if !alreadyWarned {
				logDecision(SchedulingDecision{Decision: "STALL", WorkID: item.u.ID, Task: item.u.Task, Reason: "pending_warn_after exceeded", DelayMS: age.Milliseconds()})
				c.callbacks.fireStallWarning(age.Seconds(), len(items))
			}
		}
	}
}

// checkStallTimeout implements the coordinator-wide stall_warn_after /
// stall_timeout policy, tracked against the wall time of the last
// terminal transition across the whole coordinator.
func (c *Coordinator) checkStallTimeout(now time.Time) {
	if c.opts.StallTimeout <= 0 && c.opts.StallWarnAfter <= 0 {
		return
	}

	pending := c.store.pendingCount()
	if pending == 0 {
		return
	}

	c.progressMu.Lock()
	sinceProgress := now.Sub(c.lastProgress)
	alreadyWarned := c.stallWarned
	c.progressMu.Unlock()

	if c.opts.StallTimeout > 0 && sinceProgress > c.opts.StallTimeout {
		logDecision(SchedulingDecision{Decision: "STALL", Reason: "coordinator-wide stall timeout exceeded", DelayMS: sinceProgress.Milliseconds()})
		c.failAllPending(now, errStallTimeout)
		c.markProgress(now)
		return
	}

	if c.opts.StallWarnAfter > 0 && sinceProgress > c.opts.StallWarnAfter && !alreadyWarned {
		c.progressMu.Lock()
		c.stallWarned = true
		c.progressMu.Unlock()
		logDecision(SchedulingDecision{Decision: "STALL", Reason: "coordinator-wide stall_warn_after exceeded", DelayMS: sinceProgress.Milliseconds()})
		c.callbacks.fireStallWarning(sinceProgress.Seconds(), pending)
	}
}

func (c *Coordinator) failAllPending(now time.Time, cause error) {
	for _, rec := range c.store.snapshotPending() {
		u, ok := c.store.moveToTerminalFromPending(rec.unit.ID, StateFailed, nil, cause.Error(), now)
		if ok {
			c.callbacks.fireFailure(u, cause)
		}
	}
	c.signalWakeup()
}

func (c *Coordinator) markProgress(now time.Time) {
	c.progressMu.Lock()
	c.lastProgress = now
	c.stallWarned = false
	c.progressMu.Unlock()
}

func (c *Coordinator) signalWakeup() {
	select {
	case c.wakeupCh <- struct{}{}:
	default:
	}
}
