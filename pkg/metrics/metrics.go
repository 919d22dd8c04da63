package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerFailures    *prometheus.CounterVec

	// Bus metrics
	MessagesSent    *prometheus.CounterVec
	SendDuration    *prometheus.HistogramVec
	BroadcastErrors *prometheus.CounterVec

	// Agent metrics
	AgentHealthy             *prometheus.GaugeVec
	AgentStatusTransitions   *prometheus.CounterVec
	AgentRestarts            *prometheus.CounterVec
	AgentHealthCheckFailures *prometheus.CounterVec
	AgentGiveUps             *prometheus.CounterVec

	// Fault injection metrics
	InjectedFailures *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "resilience",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all collectors and registers them with reg. A nil
// registry gets a fresh prometheus.Registry so tests can build as many
// Metrics as they like.
func NewMetrics(config *Config, reg *prometheus.Registry) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labels)
	}

	m := &Metrics{
		HTTPRequestsTotal:   counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration: histogram("http_request_duration_seconds", "HTTP request duration in seconds", "method", "path", "status_code"),

		BreakerState:       gauge("circuit_breaker_state", "Current circuit state (0=closed, 1=open, 2=half-open)", "breaker"),
		BreakerTransitions: counter("circuit_breaker_transitions_total", "Circuit breaker state transitions", "breaker", "from", "to"),
		BreakerFailures:    counter("circuit_breaker_failures_total", "Failures recorded by circuit breakers", "breaker"),

		MessagesSent:    counter("bus_messages_total", "Point-to-point messages sent through the enhanced bus", "event_type", "outcome"),
		SendDuration:    histogram("bus_send_duration_seconds", "Enhanced bus send latency", "event_type"),
		BroadcastErrors: counter("bus_broadcast_errors_total", "Broadcasts that failed to deliver", "event_type"),

		AgentHealthy:             gauge("agent_healthy", "Whether the agent's last health check passed", "agent_id"),
		AgentStatusTransitions:   counter("agent_status_transitions_total", "Agent lifecycle transitions", "agent_id", "status"),
		AgentRestarts:            counter("agent_restarts_total", "Agent restarts attempted by the manager", "agent_id"),
		AgentHealthCheckFailures: counter("agent_health_check_failures_total", "Failed agent health checks", "agent_id"),
		AgentGiveUps:             counter("agent_give_ups_total", "Times the manager stopped restarting an agent", "agent_id"),

		InjectedFailures: counter("injected_failures_total", "Failures injected by the resilience tester", "failure_type", "target"),

		gatherer: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerFailures,
		m.MessagesSent,
		m.SendDuration,
		m.BroadcastErrors,
		m.AgentHealthy,
		m.AgentStatusTransitions,
		m.AgentRestarts,
		m.AgentHealthCheckFailures,
		m.AgentGiveUps,
		m.InjectedFailures,
	)
	return m
}

// BreakerListener returns a listener that keeps breaker metrics current
func (m *Metrics) BreakerListener() resilience.Listener {
	return func(ev resilience.Event) {
		if m.BreakerState == nil {
			return
		}
		switch ev.Type {
		case resilience.EventFailure:
			m.BreakerFailures.WithLabelValues(ev.Key).Inc()
		case resilience.EventStateChange:
			m.BreakerState.WithLabelValues(ev.Key).Set(float64(ev.To))
			m.BreakerTransitions.WithLabelValues(ev.Key, ev.From.String(), ev.To.String()).Inc()
		}
	}
}

// RecordSend records an enhanced bus send
func (m *Metrics) RecordSend(eventType, outcome string, duration time.Duration) {
	if m.MessagesSent == nil {
		return
	}
	m.MessagesSent.WithLabelValues(eventType, outcome).Inc()
	m.SendDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordBroadcastError records a broadcast that could not be delivered
func (m *Metrics) RecordBroadcastError(eventType string) {
	if m.BroadcastErrors == nil {
		return
	}
	m.BroadcastErrors.WithLabelValues(eventType).Inc()
}

// RecordAgentStatus records an agent lifecycle transition
func (m *Metrics) RecordAgentStatus(agentID, status string, healthy bool) {
	if m.AgentStatusTransitions == nil {
		return
	}
	m.AgentStatusTransitions.WithLabelValues(agentID, status).Inc()
	value := 0.0
	if healthy {
		value = 1
	}
	m.AgentHealthy.WithLabelValues(agentID).Set(value)
}

// RecordAgentRestart records a restart attempt
func (m *Metrics) RecordAgentRestart(agentID string) {
	if m.AgentRestarts == nil {
		return
	}
	m.AgentRestarts.WithLabelValues(agentID).Inc()
}

// RecordHealthCheckFailure records a failed agent health check
func (m *Metrics) RecordHealthCheckFailure(agentID string) {
	if m.AgentHealthCheckFailures == nil {
		return
	}
	m.AgentHealthCheckFailures.WithLabelValues(agentID).Inc()
}

// RecordGiveUp records the manager abandoning restarts for an agent
func (m *Metrics) RecordGiveUp(agentID string) {
	if m.AgentGiveUps == nil {
		return
	}
	m.AgentGiveUps.WithLabelValues(agentID).Inc()
}

// RecordInjectedFailure records a failure injected by the tester
func (m *Metrics) RecordInjectedFailure(failureType, target string) {
	if m.InjectedFailures == nil {
		return
	}
	m.InjectedFailures.WithLabelValues(failureType, target).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}
	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
