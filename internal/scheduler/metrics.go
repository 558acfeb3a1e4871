package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "scheduler",
			Name:      "steps_total",
			Help:      "Batch steps executed",
		},
		[]string{"model"},
	)

	stepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "scheduler",
			Name:      "step_failures_total",
			Help:      "Batch steps aborted by a backend error",
		},
		[]string{"model"},
	)

	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "scheduler",
			Name:      "batch_size",
			Help:      "Requests per batch step",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"model"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Requests queued per scheduler queue",
		},
		[]string{"model", "queue"},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal, stepFailuresTotal, batchSize, queueDepth)
}
