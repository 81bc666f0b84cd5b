// Package metrics is the process-wide Prometheus registry (teacher's
// internal/metrics, generalized from HTTP-webhook job metrics to the
// dispatcher/worker/queue-dispatcher/admin domain of this scheduler).
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/distjob/scheduler/internal/health"
)

var (
	// Cron Dispatcher

	DispatcherTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "dispatcher_ticks_total",
		Help:      "Total dispatcher poll cycles run.",
	})

	DispatcherFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "dispatcher_fired_total",
		Help:      "Total job_executions rows inserted by the cron dispatcher.",
	})

	DispatcherSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "dispatcher_skipped_total",
		Help:      "Cron jobs skipped in a tick, by reason.",
	}, []string{"reason"})

	// Worker Pool

	ClaimContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "worker_claim_contention_total",
		Help:      "Claim attempts that lost the race (CAS affected zero rows).",
	})

	PoolExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "pool_exhausted_total",
		Help:      "Total PoolExhausted errors raised while acquiring a database connection.",
	}, []string{"database"})

	HandlerExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "handler_execution_duration_seconds",
		Help:      "Duration of one handler invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler_name", "outcome"})

	ExecutionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "worker_executions_in_flight",
		Help:      "Number of job_executions currently being executed.",
	})

	RetryExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "retry_exhausted_total",
		Help:      "Executions that reached a terminal failure status with no retry budget left.",
	}, []string{"handler_name"})

	// Queue Dispatcher

	QueueAckedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "queue_dispatcher_acked_total",
		Help:      "Messages successfully processed and acknowledged.",
	})

	QueueAbandonedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "queue_dispatcher_abandoned_total",
		Help:      "Messages returned to the queue, by reason.",
	}, []string{"reason"})

	// Retention sweep

	RetentionDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "retention_deleted_total",
		Help:      "Total terminal job_executions rows removed by the retention sweep.",
	})

	// Admin HTTP surface

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

var registerOnce sync.Once

// Register attaches every collector to the default Prometheus registry.
// Only the first call in a process registers; later calls (runAll starts
// several components that each call it) are no-ops.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		DispatcherTicksTotal,
		DispatcherFiredTotal,
		DispatcherSkippedTotal,
		ClaimContentionTotal,
		PoolExhaustedTotal,
		HandlerExecutionDuration,
		ExecutionsInFlight,
		RetryExhaustedTotal,
		QueueAckedTotal,
		QueueAbandonedTotal,
		RetentionDeletedTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer returns the ops HTTP server exposing /metrics plus the
// checker's /healthz and /readyz, started by the admin subcommand (§4.6 Non-goals:
// these endpoints are unauthenticated and live off the admin surface).
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealthResult(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		writeHealthResult(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealthResult(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
