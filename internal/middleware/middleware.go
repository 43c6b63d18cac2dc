// Package middleware provides the HTTP middleware stack in front of the
// execution engine: panic recovery, request-ID tagging, structured access
// logging, CORS, response-hardening headers, per-IP rate limiting for the
// routes that spend container resources, and a request-deadline backstop.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sandboxrunner/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// Recovery converts a handler panic into a logged 500. The body uses the
// same {message} envelope the execution routes return for their own errors.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.S().Errorw("panic in handler",
			"request_id", c.GetString("request_id"),
			"path", c.FullPath(),
			"panic", recovered,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
	})
}

// RequestID tags every request with a UUID (or propagates the caller's) so
// one execution can be followed across the access log, the runner's log
// lines, and the container lifecycle events it triggers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Set("request_id", id)
		c.Next()
	}
}

// visitor is one client IP's token bucket. The bucket meters container
// starts, not bytes, so the granularity is deliberately coarse.
type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimit returns a per-IP token-bucket limiter sized in requests per
// minute. Mount the returned handler only on the routes that spend
// container resources (/execute/*, /ws-execute); health and metrics stay
// unthrottled. Buckets idle past an hour are swept in the background.
func RateLimit(perMinute, burst int) gin.HandlerFunc {
	if perMinute <= 0 {
		perMinute = 1000
	}
	if burst <= 0 {
		burst = 50
	}

	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for ip, v := range visitors {
				if time.Since(v.lastSeen) > time.Hour {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()

	perSecond := rate.Limit(float64(perMinute) / 60.0)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{bucket: rate.NewLimiter(perSecond, burst)}
			visitors[ip] = v
		}
		v.lastSeen = time.Now()
		mu.Unlock()

		if !v.bucket.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "execution rate limit exceeded, retry shortly",
			})
			return
		}
		c.Next()
	}
}

// defaultDevOrigins are always allowed when env is "development".
var defaultDevOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
}

// CORS handles cross-origin requests. In development, localhost origins are
// always allowed; in production, only origins explicitly listed are.
func CORS(env string, allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	devMode := !strings.EqualFold(env, "production")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		_, explicitlyAllowed := allowed[origin]
		isDevOrigin := devMode && originIn(origin, defaultDevOrigins)

		if origin != "" && (explicitlyAllowed || isDevOrigin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originIn(origin string, list []string) bool {
	for _, o := range list {
		if origin == o {
			return true
		}
	}
	return false
}

// Security pins down how a browser may treat responses. Every body this API
// returns embeds output produced by untrusted programs, so nothing may be
// type-sniffed, framed, executed, or cached.
func Security() gin.HandlerFunc {
	headers := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
	return func(c *gin.Context) {
		for name, value := range headers {
			c.Header(name, value)
		}
		c.Next()
	}
}

// Timeout is the transport backstop above the container wall-clock
// deadline: in the normal case the sandbox deadline fires first and the
// handler returns 200 with partial output, so this only trips when a
// container-runtime call wedges past the limit.
func Timeout(limit time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), limit)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		go func() {
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			logging.S().Warnw("request exceeded transport deadline",
				"request_id", c.GetString("request_id"),
				"path", c.FullPath(),
				"limit", limit,
			)
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{"message": "request timed out"})
		}
	}
}

// AccessLog emits one structured zap line per request. /health and /metrics
// are polled constantly and skipped.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logging.L().Info("http request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
