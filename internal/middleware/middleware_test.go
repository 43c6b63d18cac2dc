package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(router *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func TestRateLimitAllowsWithinBurst(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit(60, 5))
	router.GET("/execute/python", okHandler)

	for i := 0; i < 5; i++ {
		w := get(router, "/execute/python", map[string]string{"X-Forwarded-For": "192.168.1.1"})
		require.Equal(t, http.StatusOK, w.Code, "request %d within burst", i)
	}
}

func TestRateLimitBlocksPastBurst(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit(60, 3))
	router.GET("/execute/python", okHandler)

	blocked := false
	for i := 0; i < 10; i++ {
		w := get(router, "/execute/python", map[string]string{"X-Forwarded-For": "192.168.1.1"})
		if w.Code == http.StatusTooManyRequests {
			blocked = true
			assert.Contains(t, w.Body.String(), "execution rate limit")
			break
		}
	}
	assert.True(t, blocked, "a burst of 10 against burst=3 must hit the limiter")
}

func TestRateLimitIsPerIP(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit(60, 1))
	router.GET("/execute/python", okHandler)

	w1 := get(router, "/execute/python", map[string]string{"X-Forwarded-For": "10.0.0.1"})
	w2 := get(router, "/execute/python", map[string]string{"X-Forwarded-For": "10.0.0.2"})
	assert.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, http.StatusOK, w2.Code, "a fresh IP gets its own bucket")
}

func TestRequestIDGeneratedAndPropagated(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": c.GetString("request_id")})
	})

	t.Run("generates when absent", func(t *testing.T) {
		w := get(router, "/test", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("propagates the caller's", func(t *testing.T) {
		w := get(router, "/test", map[string]string{"X-Request-ID": "caller-id-123"})
		assert.Equal(t, "caller-id-123", w.Header().Get("X-Request-ID"))
	})

	t.Run("distinct per request", func(t *testing.T) {
		a := get(router, "/test", nil).Header().Get("X-Request-ID")
		b := get(router, "/test", nil).Header().Get("X-Request-ID")
		assert.NotEqual(t, a, b)
	})
}

func TestCORSProduction(t *testing.T) {
	router := gin.New()
	router.Use(CORS("production", []string{"https://console.example.com"}))
	router.GET("/test", okHandler)

	t.Run("allows explicitly configured origin", func(t *testing.T) {
		w := get(router, "/test", map[string]string{"Origin": "https://console.example.com"})
		assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("blocks localhost in production", func(t *testing.T) {
		w := get(router, "/test", map[string]string{"Origin": "http://localhost:3000"})
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "https://console.example.com")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestCORSDevelopmentAllowsLocalhost(t *testing.T) {
	router := gin.New()
	router.Use(CORS("development", nil))
	router.GET("/test", okHandler)

	w := get(router, "/test", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	router := gin.New()
	router.Use(Security())
	router.GET("/test", okHandler)

	w := get(router, "/test", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRecoveryReturnsErrorEnvelope(t *testing.T) {
	router := gin.New()
	router.Use(Recovery())
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	router.GET("/ok", okHandler)

	w := get(router, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")

	w = get(router, "/ok", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTimeoutPassesFastRequests(t *testing.T) {
	router := gin.New()
	router.Use(Timeout(5 * time.Second))
	router.GET("/fast", okHandler)

	w := get(router, "/fast", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTimeoutAborts(t *testing.T) {
	router := gin.New()
	router.Use(Timeout(20 * time.Millisecond))
	router.GET("/slow", func(c *gin.Context) {
		time.Sleep(200 * time.Millisecond)
	})

	w := get(router, "/slow", nil)
	assert.Equal(t, http.StatusRequestTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "request timed out")
}

func TestAccessLogPassesThrough(t *testing.T) {
	router := gin.New()
	router.Use(AccessLog())
	router.GET("/execute/python", okHandler)
	router.GET("/health", okHandler)

	assert.Equal(t, http.StatusOK, get(router, "/execute/python", nil).Code)
	assert.Equal(t, http.StatusOK, get(router, "/health", nil).Code)
}
