// Command server runs the sandboxed execution engine's HTTP API: batch
// code/project/assignment execution for Python, Java, and C++, plus
// interactive REPL sessions over /ws-execute.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"sandboxrunner/internal/apiserver"
	"sandboxrunner/internal/config"
	"sandboxrunner/internal/interactive"
	"sandboxrunner/internal/logging"
	"sandboxrunner/internal/metrics"
	"sandboxrunner/internal/runners"
	"sandboxrunner/internal/sandbox"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("no .env file found, using environment variables")
		}
	}

	cfg := config.Load()
	logging.Init(cfg.LogLevel)
	logger := logging.S()
	defer logging.Sync()

	metrics.Get().SetBuildInfo("dev", "unknown", time.Now().UTC().Format(time.RFC3339))

	// Serve /health immediately while the Docker client connects, matching
	// the bootstrap-then-ready pattern: slow init shouldn't fail a
	// liveness probe that's already polling.
	var ready atomic.Bool
	var activeRouter atomic.Value

	bootstrap := gin.New()
	bootstrap.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": ready.Load()})
	})
	activeRouter.Store(bootstrap)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	logger.Infow("bootstrap listener started", "port", cfg.HTTPPort)

	manager, err := sandbox.NewManager(sandbox.DefaultConfig())
	if err != nil {
		log.Fatalf("connect to container runtime: %v", err)
	}
	defer manager.Close()

	orchestrator := runners.NewOrchestrator(manager)
	coordinator := interactive.NewCoordinator(manager)

	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	defer cancelReaper()
	coordinator.StartReaper(reaperCtx)

	engine := apiserver.NewEngine(apiserver.Dependencies{
		Config:       cfg,
		Orchestrator: orchestrator,
		Coordinator:  coordinator,
	})
	activeRouter.Store(engine)
	ready.Store(true)
	logger.Infow("engine ready", "environment", cfg.Environment)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("server failed to start: %v", err)
	case sig := <-quit:
		logger.Infow("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
