package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_submitted_total", Help: "Jobs accepted for processing"})
	JobsFinished     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_finished_total", Help: "Jobs that completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_failed_total", Help: "Jobs that ended in failure"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_cancelled_total", Help: "Jobs cancelled before completion"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Pending queue backlog"})
	QueueSaturations = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_queue_saturated_total", Help: "Submissions rejected by queue backpressure"})
	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_events_published_total", Help: "Job lifecycle events appended"})
	StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_stream_subscribers", Help: "Active SSE subscribers"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})

	IntegrationDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_integration_deliveries_total",
		Help: "Outbound integration calls by integration and outcome",
	}, []string{"integration", "outcome"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsFinished,
			JobsFailed,
			JobsCancelled,
			QueueDepthGauge,
			QueueSaturations,
			EventsPublished,
			StreamSubscribers,
			RateLimitRejects,
			IntegrationDeliveries,
		)
	})
	return promhttp.Handler()
}
