package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine-wide Prometheus metrics: event flow, reasoning
// loop lifecycle, LLM latency, tool executions, and delegations.
type Metrics struct {
	// EventsRouted counts events accepted by the router.
	// Labels: outcome (routed|duplicate|orphan|dropped)
	EventsRouted *prometheus.CounterVec

	// EventsPublished counts events published to the bus.
	// Labels: kind
	EventsPublished *prometheus.CounterVec

	// ActiveRALs gauges live reasoning loops.
	ActiveRALs prometheus.Gauge

	// RALCompleted counts terminated loops.
	// Labels: status (completed|cancelled|errored)
	RALCompleted *prometheus.CounterVec

	// LLMRequestDuration measures LLM stream duration in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error|denied)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Delegations counts delegation lifecycle transitions.
	// Labels: status (pending|completed|cancelled)
	Delegations *prometheus.CounterVec
}

// NewMetrics creates and registers engine metrics on reg. A nil registerer
// falls back to a private registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(opts, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		EventsRouted: factory(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "events_routed_total",
			Help:      "Events processed by the router, by outcome.",
		}, []string{"outcome"}),
		EventsPublished: factory(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "events_published_total",
			Help:      "Events published to the bus, by kind.",
		}, []string{"kind"}),
		ActiveRALs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "active_rals",
			Help:      "Reasoning loops currently live.",
		}),
		RALCompleted: factory(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "ral_terminated_total",
			Help:      "Reasoning loops terminated, by final status.",
		}, []string{"status"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hive",
			Name:      "llm_request_duration_seconds",
			Help:      "LLM stream duration.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ToolExecutions: factory(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "tool_executions_total",
			Help:      "Tool invocations, by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hive",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Delegations: factory(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "delegations_total",
			Help:      "Delegation lifecycle transitions.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.ActiveRALs, m.LLMRequestDuration, m.ToolDuration)
	return m
}
