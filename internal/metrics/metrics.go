// ABOUTME: Prometheus collectors for relays, sessions, health checks and tool calls
// ABOUTME: A nil *Metrics is valid and records nothing

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opencode_bridge"

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeStale = "stale"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	relays        *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	staleSessions *prometheus.CounterVec
	healthChecks  *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	promptLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		relays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Prompts relayed to remote agents",
		}, []string{"agent", "outcome"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Fire-and-forget prompts dispatched to remote agents",
		}, []string{"agent", "outcome"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Remote sessions created by the bridge",
		}, []string{"agent"}),
		staleSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_sessions_total",
			Help:      "Session bindings dropped because the remote session was gone",
		}, []string{"agent"}),
		healthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Agent health checks by resulting status",
		}, []string{"agent", "status"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "MCP tool invocations",
		}, []string{"tool", "outcome"}),
		promptLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_duration_seconds",
			Help:      "Round-trip time of synchronous prompts",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent"}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Relay records the outcome of one relay.
func (m *Metrics) Relay(agent, outcome string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(agent, outcome).Inc()
}

// Dispatch records the outcome of one fire-and-forget dispatch.
func (m *Metrics) Dispatch(agent, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(agent, outcome).Inc()
}

// SessionCreated counts a newly created remote session.
func (m *Metrics) SessionCreated(agent string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(agent).Inc()
}

// StaleSession counts a binding invalidated after a 404.
func (m *Metrics) StaleSession(agent string) {
	if m == nil {
		return
	}
	m.staleSessions.WithLabelValues(agent).Inc()
}

// HealthCheck records one health check.
func (m *Metrics) HealthCheck(agent string, online bool) {
	if m == nil {
		return
	}
	status := "offline"
	if online {
		status = "online"
	}
	m.healthChecks.WithLabelValues(agent, status).Inc()
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool string, isError bool) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if isError {
		outcome = OutcomeError
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// ObservePrompt records how long a synchronous prompt took.
func (m *Metrics) ObservePrompt(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.promptLatency.WithLabelValues(agent).Observe(d.Seconds())
}
