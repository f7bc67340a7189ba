package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_requests_total", Help: "Campaign dispatch requests by result"},
		[]string{"result"},
	)
	PublishedJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "api_published_jobs_total", Help: "Delivery jobs published to the work queue"},
	)

	WorkerJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_consumed_total", Help: "Jobs consumed"},
	)
	WorkerJobsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_sent_total", Help: "Jobs delivered to the mail transport"},
	)
	WorkerJobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_failed_total", Help: "Failed send attempts"},
	)
	WorkerJobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_job_retries_total", Help: "Jobs scheduled for a delayed retry"},
	)
	WorkerJobsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter queue"},
	)
	WorkerJobsMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_malformed_total", Help: "Jobs rejected at decode/validation"},
	)
	WorkerProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_job_process_duration_seconds",
			Help:    "Time spent processing a job",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration, DispatchRequestsTotal, PublishedJobsTotal,
		WorkerJobsConsumed, WorkerJobsSent, WorkerJobsFailed, WorkerJobRetries,
		WorkerJobsDeadLettered, WorkerJobsMalformed, WorkerProcessDuration,
	)
}

func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr for processes without their own HTTP server.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
