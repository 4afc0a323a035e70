package proxy

import "github.com/prometheus/client_golang/prometheus"

var (
	callsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workmesh_proxy_calls_in_flight",
			Help: "Number of remote calls currently awaiting a response.",
		},
	)

	callDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workmesh_proxy_call_duration_seconds",
			Help:    "End-to-end duration of remote calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	remoteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workmesh_proxy_remote_errors_total",
			Help: "Total number of calls that failed in the remote execution context.",
		},
	)

	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workmesh_proxy_call_timeouts_total",
			Help: "Total number of calls that timed out waiting for a response.",
		},
	)
)

func init() {
	prometheus.MustRegister(callsInFlight)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(remoteErrorsTotal)
	prometheus.MustRegister(timeoutsTotal)
}
