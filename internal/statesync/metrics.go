package statesync

import "github.com/prometheus/client_golang/prometheus"

var (
	deltasAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workmesh_statesync_deltas_applied_total",
			Help: "Total number of deltas merged into the canonical state tree.",
		},
	)

	deltasDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workmesh_statesync_deltas_duplicate_total",
			Help: "Total number of duplicate deltas dropped.",
		},
	)

	deltasStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workmesh_statesync_deltas_stale_total",
			Help: "Total number of deltas dropped because their work was removed.",
		},
	)

	deltasBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workmesh_statesync_deltas_buffered",
			Help: "Number of out-of-order deltas buffered awaiting predecessors.",
		},
	)
)

func init() {
	prometheus.MustRegister(deltasAppliedTotal)
	prometheus.MustRegister(deltasDuplicateTotal)
	prometheus.MustRegister(deltasStaleTotal)
	prometheus.MustRegister(deltasBuffered)
}
