package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	loadedModels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "agent",
			Name:      "loaded_models",
			Help:      "Model instances loaded on this node",
		},
		[]string{"node"},
	)

	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "agent",
			Name:      "launches_total",
			Help:      "Model launches by result",
		},
		[]string{"node", "result"},
	)

	reportFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "agent",
			Name:      "report_failures_total",
			Help:      "Failed status reports to the coordinator",
		},
		[]string{"node"},
	)
)

func init() {
	prometheus.MustRegister(loadedModels, launchesTotal, reportFailuresTotal)
}
