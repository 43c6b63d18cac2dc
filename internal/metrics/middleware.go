// Package metrics instruments the execution engine's gin routes:
// request/response size, latency, and in-flight count, exported alongside
// the execution and session counters defined in metrics.go.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// responseWriter wraps gin's ResponseWriter to capture response size, which
// gin does not expose directly.
type responseWriter struct {
	gin.ResponseWriter
	size int
}

func (w *responseWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.size += n
	return n, err
}

func (w *responseWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	w.size += n
	return n, err
}

// PrometheusMiddleware records request count, latency, and response size
// for every route except /metrics itself.
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		rw := &responseWriter{ResponseWriter: c.Writer, size: 0}
		c.Writer = rw

		c.Next()

		duration := time.Since(start)
		endpoint := normalizeEndpoint(c.FullPath())

		m.RecordHTTPRequest(
			endpoint,
			c.Request.Method,
			c.Writer.Status(),
			duration,
			rw.size,
		)
	}
}

// PrometheusHandler serves the /metrics scrape endpoint.
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// normalizeEndpoint labels requests gin couldn't match to a registered
// route (FullPath empty, e.g. a 404) as "unknown" to bound label cardinality.
func normalizeEndpoint(path string) string {
	if path == "" {
		return "unknown"
	}
	return path
}
