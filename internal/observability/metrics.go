package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the daemon.
//
// Tracked:
//   - message flow by channel and direction
//   - model call latency, status, and token usage
//   - tool execution counts and latencies
//   - turn outcomes and queue rejections
//   - active session gauge
type Metrics struct {
	registry *prometheus.Registry

	// MessageCounter tracks messages by channel and direction.
	MessageCounter *prometheus.CounterVec

	// ProviderRequestDuration measures model API call latency in seconds.
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts model requests by provider, model, status.
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokens tracks token consumption by provider, model, type.
	ProviderTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnCounter counts completed turns by outcome
	// (ok|error|cancelled|busy).
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	TurnDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge of sessions with live handles, by channel.
	ActiveSessions *prometheus.GaugeVec

	// QueuedEvents is a gauge of events waiting in per-session queues.
	QueuedEvents prometheus.Gauge
}

// NewMetrics creates the collector set on a private registry, so repeated
// construction in tests cannot double-register.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_provider_request_duration_seconds",
				Help:    "Duration of model provider API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_provider_requests_total",
				Help: "Total number of model provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_turns_total",
				Help: "Total number of completed turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_turn_duration_seconds",
				Help:    "End-to-end turn latency in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"channel"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "valet_active_sessions",
				Help: "Current number of sessions with live handles by channel",
			},
			[]string{"channel"},
		),

		QueuedEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "valet_queued_events",
				Help: "Events waiting in per-session queues",
			},
		),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
