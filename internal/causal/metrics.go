package causal

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	mergeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "causal",
		Subsystem: "sync",
		Name:      "merge_outcomes_total",
		Help:      "Merge results per conversation: accepted, conflict, duplicate, stale.",
	}, []string{"conversation", "outcome"})

	tracer = otel.Tracer("github.com/example/eventchat/causal")
)

func init() {
	prometheus.MustRegister(mergeOutcomes)
}
