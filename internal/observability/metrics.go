package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the platform's Prometheus metrics.
type Metrics struct {
	// AgentRuns counts agent runtime runs.
	// Labels: status (ok|cancelled|iteration_limit|error)
	AgentRuns *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error|denied)
	ToolExecutions *prometheus.CounterVec

	// QuotaDenials counts quota rejections.
	// Labels: tenant, kind
	QuotaDenials *prometheus.CounterVec

	// PolicyDecisions counts access policy outcomes.
	// Labels: effect (allow|deny), cached (hit|miss)
	PolicyDecisions *prometheus.CounterVec

	// GatewayConnections gauges currently open gateway connections.
	GatewayConnections prometheus.Gauge

	// GatewayRequests counts gateway method calls by outcome.
	// Labels: method, code ("ok" or an error code)
	GatewayRequests *prometheus.CounterVec

	// GatewayEventsDropped counts event frames dropped under backpressure.
	GatewayEventsDropped prometheus.Counter

	// SessionMessages counts appended messages by role.
	SessionMessages *prometheus.CounterVec

	// JobRuns counts scheduler job runs.
	// Labels: status (ok|error)
	JobRuns *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics registers and returns the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AgentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_agent_runs_total",
			Help: "Agent runtime runs by terminal status.",
		}, []string{"status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lattice_llm_request_duration_seconds",
			Help:    "LLM completion latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_tool_executions_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool", "status"}),
		QuotaDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_quota_denials_total",
			Help: "Quota rejections by tenant and kind.",
		}, []string{"tenant", "kind"}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_policy_decisions_total",
			Help: "Access policy decisions.",
		}, []string{"effect", "cached"}),
		GatewayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lattice_gateway_connections",
			Help: "Open gateway connections.",
		}),
		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_gateway_requests_total",
			Help: "Gateway method calls by method and result code.",
		}, []string{"method", "code"}),
		GatewayEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lattice_gateway_events_dropped_total",
			Help: "Event frames dropped because a connection's outbound queue was full.",
		}),
		SessionMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_session_messages_total",
			Help: "Messages appended to sessions by role.",
		}, []string{"role"}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_job_runs_total",
			Help: "Scheduler job runs by status.",
		}, []string{"status"}),
	}
}

// Handler exposes the registry for a metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
