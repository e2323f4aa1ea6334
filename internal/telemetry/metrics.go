// Package telemetry exposes the coordinator's live counters as Prometheus
// metrics, the way control_plane/observability/metrics.go does for the
// scheduler this package was built from.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskgate/taskgate/coordinator"
)

var (
	PendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskgate_pending_depth",
		Help: "Current number of work units waiting for admission",
	})

	ActiveCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskgate_service_active",
		Help: "Currently dispatched work units per service",
	}, []string{"service"})

	ServiceWindowUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskgate_service_rate_window_count",
		Help: "Dispatch timestamps currently counted in a service's rate window",
	}, []string{"service"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_dispatch_total",
		Help: "Total work units dispatched to a handler",
	}, []string{"task"})

	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_completions_total",
		Help: "Total work units that completed through their handler or failed",
	}, []string{"task", "outcome"}) // outcome: completed, failed (skips are counted in Skips; cancellations are not counted)

	Skips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_skips_total",
		Help: "Total work units skipped because is_stale returned false",
	}, []string{"task"})

	StallWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_stall_warnings_total",
		Help: "Total stall warnings raised for lack of scheduler progress",
	})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskgate_handler_duration_seconds",
		Help:    "Handler execution time from dispatch to completion",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"task"})
)

// RecordDispatch, RecordComplete, RecordFailure, RecordSkip, and
// RecordStallWarning update the counters above. They are plain functions
// rather than a Wire(c) that claims the coordinator's lifecycle callback
// slots outright, because each callback kind can only be registered once
// per Coordinator (coordinator/callbacks.go) and cmd/taskgated also needs
// those same slots for internal/eventstream — the caller composes both
// into the single callback it registers.
func RecordDispatch(w coordinator.WorkUnit) {
	Dispatches.WithLabelValues(w.Task).Inc()
}

func RecordComplete(w coordinator.WorkUnit, durationSeconds float64) {
	Completions.WithLabelValues(w.Task, "completed").Inc()
	HandlerDuration.WithLabelValues(w.Task).Observe(durationSeconds)
}

func RecordFailure(w coordinator.WorkUnit) {
	Completions.WithLabelValues(w.Task, "failed").Inc()
}

func RecordSkip(w coordinator.WorkUnit) {
	Skips.WithLabelValues(w.Task).Inc()
}

func RecordStallWarning() {
	StallWarnings.Inc()
}

// Sample pulls point-in-time gauges from GetMetrics. Call periodically
// (a ticker goroutine in cmd/taskgated does this) since these are gauges,
// not push-based counters.
func Sample(c *coordinator.Coordinator) {
	m := c.GetMetrics()
	PendingDepth.Set(float64(m.PendingCount))
	for name, usage := range m.ServiceUsage {
		ActiveCount.WithLabelValues(name).Set(float64(usage.Active))
		ServiceWindowUsage.WithLabelValues(name).Set(float64(usage.WindowedCount))
	}
}
