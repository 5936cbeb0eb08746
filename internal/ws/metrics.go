package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var upgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gateway",
	Name:      "upgrade_seconds",
	Help:      "Latency spent upgrading HTTP connections to WebSockets.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
}, []string{"conversation"})

func init() {
	prometheus.MustRegister(upgradeLatency)
}

var tracer = otel.Tracer("github.com/example/eventchat/ws")
