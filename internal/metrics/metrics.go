// Package metrics provides Prometheus metrics for the execution engine.
// Exports HTTP, code execution, container, and interactive-session metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for the engine.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Code Execution Metrics
	CodeExecutionsTotal     *prometheus.CounterVec
	CodeExecutionDuration   *prometheus.HistogramVec
	ExecutionsInFlight      prometheus.Gauge
	ExecutionQueueLength    prometheus.Gauge
	ExecutionWorkspaceBytes *prometheus.HistogramVec
	ContainerCPUUsage       *prometheus.GaugeVec
	ContainerMemoryUsage    *prometheus.GaugeVec

	// Interactive Session Metrics
	WebSocketConnectionsGauge *prometheus.GaugeVec
	WebSocketMessagesTotal    *prometheus.CounterVec
	WebSocketMessageSize      *prometheus.HistogramVec
	SessionsActiveGauge       prometheus.Gauge
	SessionsReapedTotal       *prometheus.CounterVec

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandboxrunner",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandboxrunner",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandboxrunner",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	m.CodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandboxrunner",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total number of code executions by language and outcome",
		},
		[]string{"language", "status"},
	)

	m.CodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandboxrunner",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Code execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	m.ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "execution",
			Name:      "in_flight",
			Help:      "Number of containers currently running",
		},
	)

	m.ExecutionQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "execution",
			Name:      "queue_length",
			Help:      "Number of execution requests waiting on a free rate-limiter slot",
		},
	)

	m.ExecutionWorkspaceBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandboxrunner",
			Subsystem: "execution",
			Name:      "workspace_bytes",
			Help:      "Per-file byte counts written while laying out an execution workspace",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		},
		[]string{"language"},
	)

	m.ContainerCPUUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "container",
			Name:      "cpu_usage_percent",
			Help:      "Container CPU usage percentage",
		},
		[]string{"container_id", "language"},
	)

	m.ContainerMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "container",
			Name:      "memory_usage_bytes",
			Help:      "Container memory usage in bytes",
		},
		[]string{"container_id", "language"},
	)

	m.WebSocketConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Current number of /ws-execute connections",
		},
		[]string{"type"},
	)

	m.WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandboxrunner",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total number of WebSocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	m.WebSocketMessageSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandboxrunner",
			Subsystem: "websocket",
			Name:      "message_size_bytes",
			Help:      "WebSocket message size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 2, 10),
		},
		[]string{"type"},
	)

	m.SessionsActiveGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live interactive sessions",
		},
	)

	m.SessionsReapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandboxrunner",
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Total number of interactive sessions torn down by reason",
		},
		[]string{"reason"},
	)

	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sandboxrunner",
			Subsystem: "server",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordCodeExecution records a code execution metric.
func (m *Metrics) RecordCodeExecution(language, status string, duration time.Duration) {
	m.CodeExecutionsTotal.WithLabelValues(language, status).Inc()
	m.CodeExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordWorkspaceFile records the byte size of one file written while
// laying out an execution workspace.
func (m *Metrics) RecordWorkspaceFile(language string, size int) {
	m.ExecutionWorkspaceBytes.WithLabelValues(language).Observe(float64(size))
}

// RecordWebSocketConnection records a WebSocket connection change.
func (m *Metrics) RecordWebSocketConnection(connType string, delta int) {
	m.WebSocketConnectionsGauge.WithLabelValues(connType).Add(float64(delta))
}

// RecordWebSocketMessage records a WebSocket message.
func (m *Metrics) RecordWebSocketMessage(msgType, direction string, size int) {
	m.WebSocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
	m.WebSocketMessageSize.WithLabelValues(msgType).Observe(float64(size))
}

// RecordSessionReaped records an interactive session torn down by the idle
// reaper or an explicit disconnect.
func (m *Metrics) RecordSessionReaped(reason string) {
	m.SessionsReapedTotal.WithLabelValues(reason).Inc()
}

// SetBuildInfo sets build information.
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
