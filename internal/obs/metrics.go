// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhanam/jobqueue/internal/config"
)

var (
	JobsProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_produced_total",
		Help: "Total number of jobs admitted by the producer API, by queue and kind",
	}, []string{"queue", "kind"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs, by queue and kind",
	}, []string{"queue", "kind"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries, by queue and kind",
	}, []string{"queue", "kind"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_lettered_total",
		Help: "Total number of jobs moved to the dead-letter store, by queue and severity",
	}, []string{"queue", "severity"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of processor run durations, by queue and kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "kind"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current depth of a queue's sub-structure (waiting, delayed, active, failed)",
	}, []string{"queue", "state"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by queue",
	}, []string{"queue"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a queue's circuit breaker transitioned to Open",
	}, []string{"queue"})
	StallRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stall_recovered_total",
		Help: "Total number of jobs re-offered after exceeding their stall window, by queue",
	}, []string{"queue"})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines, by queue",
	}, []string{"queue"})
	CronCheckIns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cron_check_ins_total",
		Help: "Total number of cron schedule check-ins, by schedule and status",
	}, []string{"schedule", "status"})
	CronTickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cron_tick_duration_seconds",
		Help:    "Histogram of cron schedule tick durations, by schedule",
		Buckets: prometheus.DefBuckets,
	}, []string{"schedule"})
)

func init() {
	prometheus.MustRegister(
		JobsProduced, JobsCompleted, JobsRetried, JobsDeadLettered, JobProcessingDuration,
		QueueDepth, CircuitBreakerState, CircuitBreakerTrips, StallRecovered, WorkerActive,
		CronCheckIns, CronTickDuration,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for callers that don't also need the health/ready
// endpoints StartHTTPServer adds.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
