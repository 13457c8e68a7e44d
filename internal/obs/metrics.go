package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_created_total",
		Help: "Total number of jobs created through the Job API",
	})
	JobsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_deduped_total",
		Help: "Total number of creates short-circuited by subject dedup",
	})
	JobsDequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dequeued_total",
		Help: "Total number of jobs pulled off the priority scheduler",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached the completed state",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached the failed state",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs cancelled via the Job API",
	})
	JobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_recovered_total",
		Help: "Total number of jobs re-enqueued by restart recovery",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of compute back-end invocation durations",
		Buckets: prometheus.DefBuckets,
	})
	SchedulerDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_depth",
		Help: "Current number of queued ids per priority class",
	}, []string{"priority"})
	ParallelismGateInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parallelism_gate_in_use",
		Help: "Number of workers currently inside the compute step",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enricher_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		JobsCreated, JobsDeduped, JobsDequeued, JobsCompleted, JobsFailed,
		JobsCancelled, JobsRecovered, JobProcessingDuration, SchedulerDepth,
		ParallelismGateInUse, CircuitBreakerState, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics on its own port.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
