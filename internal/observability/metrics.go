package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the orchestration core.
// All methods are no-ops on a nil receiver.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("github#create_issue", "success", elapsed)
type Metrics struct {
	// ToolExecutionCounter counts tool calls.
	// Labels: tool, status (success|not_found|invalid_input|timeout|transport|...)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool call time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval outcomes.
	// Labels: outcome (approved|rejected|timed_out), admin (true|false)
	ApprovalCounter *prometheus.CounterVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider
	LLMRequestDuration *prometheus.HistogramVec

	// MCPReconnects counts reconnect attempts per tool server.
	MCPReconnects *prometheus.CounterVec

	// MCPSessionUp is 1 while a tool server session is connected.
	MCPSessionUp *prometheus.GaugeVec

	// EventsDropped counts events discarded under backpressure.
	EventsDropped prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_approvals_total",
				Help: "Total number of approval requests by outcome",
			},
			[]string{"outcome", "admin"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_requests_total",
				Help: "Total number of LLM requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		MCPReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_mcp_reconnects_total",
				Help: "Total number of tool server reconnect attempts",
			},
			[]string{"server"},
		),

		MCPSessionUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_mcp_session_up",
				Help: "Whether the tool server session is connected",
			},
			[]string{"server"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_events_dropped_total",
				Help: "Total number of droppable events discarded under backpressure",
			},
		),
	}
}

// RecordToolExecution records one finished tool call.
func (m *Metrics) RecordToolExecution(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordApproval records a terminal approval outcome.
func (m *Metrics) RecordApproval(outcome string, admin bool) {
	if m == nil {
		return
	}
	adminLabel := "false"
	if admin {
		adminLabel = "true"
	}
	m.ApprovalCounter.WithLabelValues(outcome, adminLabel).Inc()
}

// RecordLLMRequest records one completed LLM request.
func (m *Metrics) RecordLLMRequest(provider, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordReconnect counts a reconnect attempt.
func (m *Metrics) RecordReconnect(server string) {
	if m == nil {
		return
	}
	m.MCPReconnects.WithLabelValues(server).Inc()
}

// SetSessionUp updates the session gauge.
func (m *Metrics) SetSessionUp(server string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.MCPSessionUp.WithLabelValues(server).Set(v)
}

// RecordEventDropped counts one dropped event.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
