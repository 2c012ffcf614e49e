package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_enqueued_total", Help: "Events accepted onto the bus"})
	EventsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_completed_total", Help: "Events whose handler succeeded"})
	EventsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_retried_total", Help: "Events requeued after a retryable handler failure"})
	EventsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_failed_total", Help: "Events that exhausted their attempts"})
	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_enqueued_total", Help: "Jobs accepted onto the queue"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_retried_total", Help: "Jobs requeued after a retryable handler failure"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	BudgetRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_budget_rejects_total", Help: "Enqueues rejected by workspace budget"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_rate_limit_rejects_total", Help: "Requests rejected by the token bucket"})
	StuckJobsReleased = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_stuck_jobs_released_total", Help: "In-progress jobs reclaimed from dead workers"})
	CyclesSkipped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_cycles_skipped_total", Help: "Processing cycles skipped due to lock contention"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_queue_depth", Help: "Pending jobs across all workspaces"})
	CycleDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopilot_cycle_duration_seconds",
		Help:    "Wall-clock duration of processing cycles",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsEnqueued,
			EventsCompleted,
			EventsRetried,
			EventsFailed,
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			BudgetRejects,
			RateLimitRejects,
			StuckJobsReleased,
			CyclesSkipped,
			QueueDepthGauge,
			CycleDuration,
		)
	})
	return promhttp.Handler()
}
