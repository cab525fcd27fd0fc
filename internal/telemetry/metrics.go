package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted by producers"}, []string{"name"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"name"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts rescheduled with backoff"}, []string{"name"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached the terminal failed state"}, []string{"name"})
	LeasesLost       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_lost_total", Help: "Outcomes dropped because the job was reclaimed"})
	StaleReleased    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_stale_released_total", Help: "Expired leases swept back to pending or failed"})
	QueueJobs        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_by_status", Help: "Jobs per status at the last stats call"}, []string{"status"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"name"})
	ConnectorRows    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "connector_rows_total", Help: "Rows produced by connectors"}, []string{"type"})
	ConnectorErrors  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "connector_errors_total", Help: "Connector failures by stage"}, []string{"type", "stage"})
	LLMRequests      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "llm_requests_total", Help: "LLM chat requests by outcome"}, []string{"outcome"})
	UsageEvents      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "usage_events_total", Help: "Usage events recorded"}, []string{"type"})
	UsageFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "usage_track_failures_total", Help: "Usage events that could not be persisted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			LeasesLost,
			StaleReleased,
			QueueJobs,
			JobDuration,
			ConnectorRows,
			ConnectorErrors,
			LLMRequests,
			UsageEvents,
			UsageFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
