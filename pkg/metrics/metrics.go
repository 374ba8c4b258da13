package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbworker_jobs_total",
			Help: "Total number of executed jobs by status and error code",
		},
		[]string{"status", "code"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nbworker_job_duration_seconds",
			Help:    "Notebook execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nbworker_jobs_in_flight",
			Help: "Number of jobs currently executing",
		},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nbworker_job_retries_total",
			Help: "Total number of transient-failure retries across all jobs",
		},
	)

	// Identity claim metrics
	ClaimAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbworker_claim_attempts_total",
			Help: "Identity claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	LeaseRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbworker_lease_renewals_total",
			Help: "Identity lease renewals by outcome",
		},
		[]string{"outcome"},
	)

	// Session metrics
	SessionsEstablished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nbworker_sessions_established_total",
			Help: "Total number of authenticated lab sessions established",
		},
	)

	SessionsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nbworker_sessions_lost_total",
			Help: "Total number of sessions detected as lost",
		},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nbworker_spawn_duration_seconds",
			Help:    "Lab pod spawn duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Keep-alive metrics
	KeepAliveProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbworker_keepalive_probes_total",
			Help: "Keep-alive probes by outcome",
		},
		[]string{"outcome"},
	)

	// Worker state
	WorkerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nbworker_state",
			Help: "Current worker runtime state (1 for the active state)",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(ClaimAttempts)
	prometheus.MustRegister(LeaseRenewals)
	prometheus.MustRegister(SessionsEstablished)
	prometheus.MustRegister(SessionsLost)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(KeepAliveProbes)
	prometheus.MustRegister(WorkerState)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetWorkerState marks state as the single active worker state gauge.
func SetWorkerState(state string, all []string) {
	for _, s := range all {
		WorkerState.WithLabelValues(s).Set(0)
	}
	WorkerState.WithLabelValues(state).Set(1)
}
