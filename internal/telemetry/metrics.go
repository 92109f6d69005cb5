package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsLeased          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailvault_jobs_leased_total", Help: "Jobs leased by this worker"}, []string{"task_type"})
	JobsCompleted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailvault_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"task_type"})
	JobsRetried         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailvault_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"task_type", "class"})
	JobsFailed          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailvault_jobs_failed_total", Help: "Jobs failed permanently"}, []string{"task_type", "class"})
	JobsReaped          = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_jobs_reaped_total", Help: "Leases reclaimed after expiry"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mailvault_jobs_inflight", Help: "Jobs currently executing in this worker"})
	MessagesArchived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_messages_archived_total", Help: "Messages written to the archive"})
	MessageFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_message_failures_total", Help: "Messages skipped after a per-item failure"})
	HistoryGaps         = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_history_gaps_total", Help: "Incremental syncs that fell back to a full sync"})
	AutoDeleteMarked    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_autodelete_marked_total", Help: "Messages marked for deletion"})
	AutoDeleteDeleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_autodelete_deleted_total", Help: "Messages deleted at the provider"})
	AutoDeleteFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_autodelete_failures_total", Help: "Provider deletes that failed"})
	RateLimitWaits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_rate_limit_waits_total", Help: "Provider calls delayed by the token bucket"})
	RateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{Name: "mailvault_rate_limit_rejections_total", Help: "Provider calls abandoned after waiting for a token"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsLeased,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReaped,
			InFlightGauge,
			MessagesArchived,
			MessageFailures,
			HistoryGaps,
			AutoDeleteMarked,
			AutoDeleteDeleted,
			AutoDeleteFailures,
			RateLimitWaits,
			RateLimitRejections,
		)
	})
	return promhttp.Handler()
}
