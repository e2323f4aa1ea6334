package coordinator

import (
	"context"
	"sync"
	"time"
)

// Options configure coordinator-wide timeout policy. The four timeout
// fields are optional; zero means "disabled".
type Options struct {
	PendingWarnAfter time.Duration
	PendingTimeout   time.Duration
	StallWarnAfter   time.Duration
	StallTimeout     time.Duration

	// TickInterval bounds how long the scheduler loop can go without
	// re-checking readiness for pending items whose inputs might have
	// changed externally. 50ms is a reasonable default for most workloads.
	// It must be positive: the scheduler loop builds a time.Ticker from it.
	TickInterval time.Duration
}

func defaultOptions() Options {
	return Options{TickInterval: 50 * time.Millisecond}
}

// Coordinator is an in-process work coordinator: it decides when
// submitted work units may run, subject to per-service concurrency and
// rate limits plus client-supplied readiness/staleness predicates. A
// Coordinator owns no process-wide state; construct one per application
// rather than relying on package-level registration.
type Coordinator struct {
	mu       sync.RWMutex
	services map[string]*serviceState
	tasks    map[string]*TaskType

	callbacks *callbackRegistry
	store     *workStore
	opts      Options

	started      bool
	shuttingDown bool

	wakeupCh chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	handlerCtx context.Context

	progressMu   sync.Mutex
	lastProgress time.Time
	stallWarned  bool
}

// Option configures a Coordinator at construction time.
type Option func(*Options)

func WithPendingTimeout(warnAfter, timeout time.Duration) Option {
	return func(o *Options) { o.PendingWarnAfter = warnAfter; o.PendingTimeout = timeout }
}

func WithStallTimeout(warnAfter, timeout time.Duration) Option {
	return func(o *Options) { o.StallWarnAfter = warnAfter; o.StallTimeout = timeout }
}

func WithTickInterval(d time.Duration) Option {
	return func(o *Options) { o.TickInterval = d }
}

// New constructs a Coordinator. Call RegisterService/RegisterTask to
// configure it, then Start to begin scheduling.
func New(opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	return &Coordinator{
		services:     make(map[string]*serviceState),
		tasks:        make(map[string]*TaskType),
		callbacks:    newCallbackRegistry(),
		store:        newWorkStore(),
		opts:         o,
		wakeupCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
		handlerCtx:   context.Background(),
		lastProgress: time.Now(),
	}
}

// ServiceOption configures a service at registration time.
type ServiceOption func(*serviceConfig) error

// WithConcurrency caps the number of simultaneously active uses of a
// service. Absent, concurrency is unbounded.
func WithConcurrency(n int) ServiceOption {
	return func(c *serviceConfig) error {
		if n <= 0 {
			return newConfigError("concurrency must be a positive integer")
		}
		c.concurrent = n
		return nil
	}
}

// WithRate applies the rate-limit grammar parsed by parseRate, e.g. "60/min".
func WithRate(spec string) ServiceOption {
	return func(c *serviceConfig) error {
		count, window, err := parseRate(spec)
		if err != nil {
			return err
		}
		c.rateCount = count
		c.rateWindow = window
		c.rateRaw = spec
		return nil
	}
}

// RegisterService declares a named admission bucket. Re-registering the
// same name with different parameters is a CONFIG_ERROR; re-registering
// with identical parameters is a no-op success, matching idempotent
// registration in test harnesses.
func (c *Coordinator) RegisterService(name string, opts ...ServiceOption) error {
	cfg := serviceConfig{name: name, concurrent: unboundedConcurrency}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.services[name]; ok {
		if existing.cfg.equalTo(cfg) {
			return nil
		}
		return newConfigError("service " + name + " already registered with different parameters")
	}
	c.services[name] = newServiceState(cfg)
	return nil
}

// TaskOption configures a task at registration time.
type TaskOption func(*TaskType)

// WithMaxAttempts sets the retry ceiling for a task. A value of 0 or 1
// means no retry.
func WithMaxAttempts(n int) TaskOption {
	return func(t *TaskType) { t.MaxAttempts = n }
}

// RegisterTask declares a named task bound to a service, with the
// handler that executes it.
func (c *Coordinator) RegisterTask(name, serviceName string, handler HandlerFunc, opts ...TaskOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.services[serviceName]; !ok {
		return newConfigError("task " + name + " references unknown service " + serviceName)
	}
	if _, ok := c.tasks[name]; ok {
		return newConfigError("task " + name + " already registered")
	}

	t := &TaskType{Name: name, ServiceName: serviceName, Handler: handler, MaxAttempts: 1}
	for _, opt := range opts {
		opt(t)
	}
	c.tasks[name] = t
	return nil
}

// OnReady/OnStale/OnPriority register the three optional admission
// predicates. Each may be registered at most once per Coordinator.
func (c *Coordinator) OnReady(fn ReadyFunc) error { return c.callbacks.setReady(fn) }
func (c *Coordinator) OnStale(fn StaleFunc) error { return c.callbacks.setStale(fn) }
func (c *Coordinator) OnPriority(fn PriorityFunc) error { return c.callbacks.setPriority(fn) }

// OnStart/OnComplete/OnFailure/OnSkip/OnStallWarning register the
// lifecycle event sinks fired as work moves through the coordinator.
func (c *Coordinator) OnStart(fn StartFunc) error { return c.callbacks.setOnStart(fn) }
func (c *Coordinator) OnComplete(fn CompleteFunc) error { return c.callbacks.setOnComplete(fn) }
func (c *Coordinator) OnFailure(fn FailureFunc) error { return c.callbacks.setOnFailure(fn) }
func (c *Coordinator) OnSkip(fn SkipFunc) error { return c.callbacks.setOnSkip(fn) }
func (c *Coordinator) OnStallWarning(fn StallWarningFunc) error {
	return c.callbacks.setOnStallWarning(fn)
}

// Submit creates a PENDING work unit and wakes the scheduler loop. It
// may be called before Start.
func (c *Coordinator) Submit(task string, params any) (string, error) {
	c.mu.RLock()
	shuttingDown := c.shuttingDown
	_, known := c.tasks[task]
	c.mu.RUnlock()

	if shuttingDown {
		return "", ErrShutdown
	}
	if !known {
		return "", newUnknownTaskError(task)
	}

	u := WorkUnit{
		ID:        newWorkID(),
		Task:      task,
		Params:    params,
		State:     StatePending,
		CreatedAt: time.Now(),
		Attempt:   0,
	}
	c.store.insert(u)
	c.signalWakeup()
	return u.ID, nil
}

// Cancel requests cancellation of a work unit. Pending work is cancelled
// immediately; active work only has its cancellation intent recorded and
// is cancelled once its handler returns; terminal work is left untouched.
func (c *Coordinator) Cancel(id string) (State, error) {
	state, err := c.store.cancel(id)
	if err != nil {
		return "", err
	}
	c.signalWakeup()
	return state, nil
}

// Get returns a snapshot of one work unit.
func (c *Coordinator) Get(id string) (WorkUnit, bool) { return c.store.get(id) }

// List returns a snapshot of every known work unit, optionally filtered
// to a single state.
func (c *Coordinator) List(filter *State) []WorkUnit { return c.store.list(filter) }

// Start begins the scheduling loop. Idempotent: subsequent calls are
// no-ops.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.runLoop()
}

// Stop stops accepting new work and waits for active handlers to finish,
// up to timeout (0 means wait indefinitely). Active handlers are not
// forcibly cancelled; see DESIGN.md for the reasoning behind that choice.
func (c *Coordinator) Stop(timeout time.Duration) {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.loopDone

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// BlockedReason classifies why a pending work unit has not dispatched,
// for DebugBlocked.
type BlockedReason string

const (
	ReasonNotReady    BlockedReason = "not_ready"
	ReasonServiceFull BlockedReason = "service_full"
	ReasonUnknownTask BlockedReason = "unknown_task"
)

// BlockedWork is one entry of DebugBlocked's report.
type BlockedWork struct {
	Work    WorkUnit
	Reason  BlockedReason
	Details string
}

// DebugBlocked runs the admission evaluator over the pending snapshot
// without dispatching anything.
func (c *Coordinator) DebugBlocked() []BlockedWork {
	now := time.Now()
	tasks := c.tasksSnapshot()
	services := c.servicesSnapshot()

	var out []BlockedWork
	for _, rec := range c.store.snapshotPending() {
		outcome, task, _ := evaluateAdmission(rec, tasks, services, c.callbacks, now)
		u := rec.snapshot()
		switch outcome {
		case outcomeUnknownTask:
			out = append(out, BlockedWork{Work: u, Reason: ReasonUnknownTask, Details: "task " + u.Task + " is not registered"})
		case outcomeBlockedNotReady:
			out = append(out, BlockedWork{Work: u, Reason: ReasonNotReady, Details: "is_ready returned false or raised"})
		case outcomeBlockedRetryDelay:
			out = append(out, BlockedWork{Work: u, Reason: ReasonNotReady, Details: "awaiting retry backoff window"})
		case outcomeBlockedService:
			detail := "service full or rate-limited"
			if task != nil {
				detail = "service " + task.ServiceName + " has no free capacity or rate budget"
			}
			out = append(out, BlockedWork{Work: u, Reason: ReasonServiceFull, Details: detail})
		}
	}
	return out
}

// Metrics is a point-in-time introspection snapshot of coordinator load.
type Metrics struct {
	PendingCount  int
	ActiveCount   int
	ServiceUsage  map[string]ServiceUsage
}

// ServiceUsage reports one service's live admission counters.
type ServiceUsage struct {
	Active        int
	WindowedCount int
	Concurrent    int
	RateCount     int
	RateWindow    time.Duration
}

// GetMetrics returns the coordinator's current load.
func (c *Coordinator) GetMetrics() Metrics {
	now := time.Now()
	services := c.servicesSnapshot()

	usage := make(map[string]ServiceUsage, len(services))
	active := 0
	for name, svc := range services {
		a, w := svc.snapshot(now)
		active += a
		usage[name] = ServiceUsage{
			Active:        a,
			WindowedCount: w,
			Concurrent:    svc.cfg.concurrent,
			RateCount:     svc.cfg.rateCount,
			RateWindow:    svc.cfg.rateWindow,
		}
	}

	return Metrics{
		PendingCount: c.store.pendingCount(),
		ActiveCount:  active,
		ServiceUsage: usage,
	}
}
