package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics emitted by the engine.
type Metrics struct {
	MutationsTotal       *prometheus.CounterVec
	MutationDuration     *prometheus.HistogramVec
	TransformExecutions  *prometheus.CounterVec
	TransformDuration    *prometheus.HistogramVec
	OrchestratorQueue    *prometheus.GaugeVec
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     *prometheus.CounterVec
	SchemaTransitions    *prometheus.CounterVec
	EventBusWaiters      prometheus.Gauge
	EventBusTimeoutsTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafold_mutations_total",
				Help: "Total number of mutations executed, labeled by schema and result.",
			},
			[]string{"schema", "result"},
		),
		MutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datafold_mutation_duration_seconds",
				Help:    "Mutation execution duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"schema"},
		),
		TransformExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafold_transform_executions_total",
				Help: "Total number of transform executions, labeled by result.",
			},
			[]string{"transform_id", "result"},
		),
		TransformDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datafold_transform_duration_seconds",
				Help:    "Transform evaluation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transform_id"},
		),
		OrchestratorQueue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datafold_orchestrator_queue_depth",
				Help: "Number of transform ids currently queued or in flight.",
			},
			[]string{},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafold_resolver_cache_hits_total",
				Help: "Field resolver cache hits, labeled by tier (l1/l2).",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafold_resolver_cache_misses_total",
				Help: "Field resolver cache misses, labeled by tier (l1/l2).",
			},
			[]string{"tier"},
		),
		SchemaTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafold_schema_transitions_total",
				Help: "Schema lifecycle transitions, labeled by target state.",
			},
			[]string{"state"},
		),
		EventBusWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "datafold_eventbus_pending_waiters",
				Help: "Number of correlation-id waiters currently pending.",
			},
		),
		EventBusTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "datafold_eventbus_waiter_timeouts_total",
				Help: "Total number of correlation-id waiters that expired.",
			},
		),
	}

	registry.MustRegister(
		m.MutationsTotal,
		m.MutationDuration,
		m.TransformExecutions,
		m.TransformDuration,
		m.OrchestratorQueue,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.SchemaTransitions,
		m.EventBusWaiters,
		m.EventBusTimeoutsTotal,
	)

	return m
}
