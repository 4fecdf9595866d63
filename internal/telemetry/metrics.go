package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsAccepted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_uploads_accepted_total", Help: "Uploads accepted and queued"})
	UploadsRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_uploads_rejected_total", Help: "Uploads rejected as invalid input"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_jobs_completed_total", Help: "Processing jobs finished with status completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_jobs_failed_total", Help: "Processing jobs finished with status failed"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "images_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "images_jobs_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsAccepted,
			UploadsRejected,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
