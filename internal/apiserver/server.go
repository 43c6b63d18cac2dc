package apiserver

import (
	"net/http"
	"time"

	"sandboxrunner/internal/config"
	"sandboxrunner/internal/interactive"
	"sandboxrunner/internal/metrics"
	"sandboxrunner/internal/middleware"
	"sandboxrunner/internal/runners"
	"github.com/gin-gonic/gin"
)

// Dependencies bundles everything the engine's routes need, assembled once
// at startup by cmd/server.
type Dependencies struct {
	Config       config.Config
	Orchestrator *runners.Orchestrator
	Coordinator  *interactive.Coordinator
}

// NewEngine builds the gin engine for the full route set: batch execution
// triads per language, interactive session bootstrap + streaming, health,
// and metrics.
func NewEngine(deps Dependencies) *gin.Engine {
	if deps.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())
	r.Use(middleware.CORS(deps.Config.Environment, deps.Config.CORSAllowedOrigins))
	r.Use(middleware.Security())
	r.Use(metrics.PrometheusMiddleware())

	r.GET("/health", healthHandler)
	r.GET("/metrics", metrics.PrometheusHandler())

	lr := languageRunners{
		python: runners.NewPythonRunner(deps.Orchestrator),
		java:   runners.NewJavaRunner(deps.Orchestrator),
		cpp:    runners.NewCppRunner(deps.Orchestrator),
	}

	// One limiter shared by every route that spends container resources, so
	// the websocket path draws from the same per-IP budget as the batch routes.
	execLimit := middleware.RateLimit(deps.Config.RateLimitPerMinute, deps.Config.RateLimitBurst)

	execute := r.Group("/execute")
	execute.Use(execLimit)
	execute.Use(middleware.Timeout(requestTimeout(deps.Orchestrator)))
	{
		registerTriad(execute, "python", lr.python)
		registerTriad(execute, "java", lr.java)
		registerTriad(execute, "cpp", lr.cpp)

		execute.POST("/startPythonSession", startSessionHandler(deps.Coordinator, "python"))
		execute.POST("/startJavaSession", startSessionHandler(deps.Coordinator, "java"))
	}

	r.GET("/ws-execute", execLimit, func(c *gin.Context) {
		interactive.ServeWS(deps.Coordinator, c.Writer, c.Request)
	})

	return r
}

func registerTriad(g *gin.RouterGroup, language string, r runners.Runner) {
	g.POST("/"+language, runCodeHandler(r))
	g.POST("/"+language+"-project", runProjectHandler(language, r))
	g.POST("/"+language+"-assignment", runAssignmentHandler(r))
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestTimeout is set strictly above the container wall-clock default so
// the container's own deadline fires first in the common case; this exists
// purely as a backstop against a wedged container-runtime call.
func requestTimeout(o *runners.Orchestrator) time.Duration {
	longest := time.Duration(0)
	cfg := o.Manager.Config()
	for _, lang := range []string{"python", "python-unittest", "java", "java-junit", "cpp", "cpp-doctest"} {
		if q := cfg.EffectiveQuota(lang); q.Timeout > longest {
			longest = q.Timeout
		}
	}
	return longest + 10*time.Second
}
