package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PacketsCaptured counts packets delivered by the capture handle.
	PacketsCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netinsight",
			Name:      "packets_captured_total",
			Help:      "Total number of packets captured",
		},
		[]string{"interface"},
	)

	// PacketsDropped counts packets discarded before flow accounting.
	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netinsight",
			Name:      "packets_dropped_total",
			Help:      "Total number of packets dropped",
		},
		[]string{"interface", "reason"},
	)

	// FlowsFinalized counts flows written out, by trigger.
	FlowsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netinsight",
			Name:      "flows_finalized_total",
			Help:      "Total number of flows finalized",
		},
		[]string{"reason"}, // "idle" or "shutdown"
	)

	// ThreatsDetected counts scored threats by severity.
	ThreatsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netinsight",
			Name:      "threats_detected_total",
			Help:      "Total number of threats detected",
		},
		[]string{"severity"},
	)

	// StoreWriteErrors counts failed batch writes after retries.
	StoreWriteErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "netinsight",
			Name:      "store_write_errors_total",
			Help:      "Total number of store writes that failed after retry",
		},
	)

	// ActiveFlows tracks the size of the active flow table.
	ActiveFlows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "netinsight",
			Name:      "active_flows",
			Help:      "Current number of flows in the active table",
		},
	)

	// Subscribers tracks connected websocket clients.
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "netinsight",
			Name:      "subscribers",
			Help:      "Current number of connected event subscribers",
		},
	)

	once sync.Once
)

// InitMetrics registers all metrics with the default Prometheus registry.
// Safe to call more than once.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(PacketsCaptured)
		prometheus.DefaultRegisterer.Register(PacketsDropped)
		prometheus.DefaultRegisterer.Register(FlowsFinalized)
		prometheus.DefaultRegisterer.Register(ThreatsDetected)
		prometheus.DefaultRegisterer.Register(StoreWriteErrors)
		prometheus.DefaultRegisterer.Register(ActiveFlows)
		prometheus.DefaultRegisterer.Register(Subscribers)
	})
}
