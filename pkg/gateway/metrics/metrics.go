package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
	"github.com/vango-go/vai-triage/pkg/triage"
)

// Metrics holds all Prometheus metrics for the gateway. Recorders are
// no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Lifecycle events and handoffs
	WebhookEventsTotal *prometheus.CounterVec
	HandoffsTotal      *prometheus.CounterVec

	// Agent session metrics
	AgentSessionsActive  prometheus.Gauge
	AgentSessionsTotal   *prometheus.CounterVec
	AgentSessionDuration prometheus.Histogram
	AgentActionsTotal    *prometheus.CounterVec

	// Error metrics
	DownstreamErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "triage"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"route", "method", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"route"},
	)

	webhookEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Lifecycle events by type and processing outcome",
		},
		[]string{"event", "outcome"},
	)

	handoffsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Completed role handoffs",
		},
		[]string{"from", "to"},
	)

	agentSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_sessions_active",
			Help:      "Number of connected agent sessions",
		},
	)

	agentSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_sessions_total",
			Help:      "Total number of agent sessions by close status",
		},
		[]string{"status"},
	)

	agentSessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_session_duration_seconds",
			Help:      "Agent session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	agentActionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_actions_total",
			Help:      "Actions invoked by agent sessions",
		},
		[]string{"action", "result"},
	)

	downstreamErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_errors_total",
			Help:      "Failed calls to the media platform",
		},
		[]string{"operation"},
	)

	// Register all metrics
	registry.MustRegister(
		requestsTotal,
		requestDuration,
		webhookEventsTotal,
		handoffsTotal,
		agentSessionsActive,
		agentSessionsTotal,
		agentSessionDuration,
		agentActionsTotal,
		downstreamErrorsTotal,
	)

	return &Metrics{
		registry:              registry,
		RequestsTotal:         requestsTotal,
		RequestDuration:       requestDuration,
		WebhookEventsTotal:    webhookEventsTotal,
		HandoffsTotal:         handoffsTotal,
		AgentSessionsActive:   agentSessionsActive,
		AgentSessionsTotal:    agentSessionsTotal,
		AgentSessionDuration:  agentSessionDuration,
		AgentActionsTotal:     agentActionsTotal,
		DownstreamErrorsTotal: downstreamErrorsTotal,
	}
}

// ObserveRegistry exports the registry's call counters as gauges read at
// scrape time.
func (m *Metrics) ObserveRegistry(namespace string, reg *calls.Registry) {
	if namespace == "" {
		namespace = "triage"
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls created since start",
		}, func() float64 { return float64(reg.Metrics().TotalCalls) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active_sessions",
			Help:      "Calls not yet ended or failed",
		}, func() float64 { return float64(reg.Metrics().ActiveSessions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_failed_sessions",
			Help:      "Calls whose setup failed",
		}, func() float64 { return float64(reg.Metrics().FailedSessions) }),
	)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request count and latency for one route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.RecordRequest(route, r.Method, rw.status, time.Since(start))
	})
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordWebhookEvent matches calls.EventObserver.
func (m *Metrics) RecordWebhookEvent(event livekit.EventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(string(event), outcome).Inc()
}

// RecordHandoff matches triage.TransferObserver.
func (m *Metrics) RecordHandoff(from, to triage.Role) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordAgentSessionStart records a new agent session starting.
func (m *Metrics) RecordAgentSessionStart() {
	if m == nil {
		return
	}
	m.AgentSessionsActive.Inc()
}

// RecordAgentSessionEnd records an agent session ending.
func (m *Metrics) RecordAgentSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AgentSessionsActive.Dec()
	m.AgentSessionsTotal.WithLabelValues(status).Inc()
	m.AgentSessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordAgentAction(action string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.AgentActionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordDownstreamError(operation string) {
	if m == nil {
		return
	}
	m.DownstreamErrorsTotal.WithLabelValues(operation).Inc()
}

// statusRecorder captures the status code. Websocket routes are not
// instrumented, so it does not need to forward Hijacker.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
