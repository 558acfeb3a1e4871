package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	registeredNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "coordinator",
		Name:      "nodes",
		Help:      "Registered node agents",
	})

	placedModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "coordinator",
		Name:      "models",
		Help:      "Launched model handles",
	})

	launchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "coordinator",
		Name:      "launch_failures_total",
		Help:      "Launches that failed placement or loading",
	})
)

func init() {
	prometheus.MustRegister(registeredNodes, placedModels, launchFailures)
}
