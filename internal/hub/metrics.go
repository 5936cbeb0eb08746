package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	hubConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "connections",
		Help:      "Active connections per conversation.",
	}, []string{"conversation"})

	broadcastDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "broadcast_drops_total",
		Help:      "Peers removed after a failed broadcast send.",
	}, []string{"conversation"})
)

func init() {
	prometheus.MustRegister(hubConnections, broadcastDrops)
}
