// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the executor and router report into.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	TriggerDuration  *prometheus.HistogramVec
	NodeErrorsTotal  *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	ActiveShards     prometheus.Gauge
}

// New registers the runtime collectors on the given registerer. Pass
// prometheus.DefaultRegisterer for the process default.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "requests_total",
			Help:      "Requests handled, by shard type and status class.",
		}, []string{"shard_type", "status"}),
		TriggerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmesh",
			Name:      "trigger_duration_seconds",
			Help:      "Flow trigger wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"flow_id"}),
		NodeErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "node_errors_total",
			Help:      "Node body failures, by node type.",
		}, []string{"node_type"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "rate_limited_total",
			Help:      "Requests denied by the per-user fixed window.",
		}),
		ActiveShards: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh",
			Name:      "active_shards",
			Help:      "Live shard actors.",
		}),
	}
}
