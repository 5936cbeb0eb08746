package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "append_seconds",
		Help:      "Latency for persisting new messages.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"conversation"})

	loadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "history_load_seconds",
		Help:      "Latency for loading recent message history per conversation.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"conversation"})

	storeTracer = otel.Tracer("github.com/example/eventchat/storage")
)

func init() {
	prometheus.MustRegister(appendLatency, loadLatency)
}
