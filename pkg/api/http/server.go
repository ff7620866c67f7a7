package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/dagflow/internal/application/orchestrator"
	"github.com/aescanero/dagflow/internal/application/tools"
	"github.com/aescanero/dagflow/internal/application/workers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReconcileFunc syncs the live tool clients with the persisted configuration
type ReconcileFunc func(ctx context.Context) (*tools.Report, error)

// Server represents the HTTP API server
type Server struct {
	router    *gin.Engine
	server    *http.Server
	runs      *orchestrator.Manager
	pool      *workers.Pool
	reconcile ReconcileFunc
	logger    *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port      int
	Runs      *orchestrator.Manager
	Pool      *workers.Pool
	Reconcile ReconcileFunc
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		runs:      cfg.Runs,
		pool:      cfg.Pool,
		reconcile: cfg.Reconcile,
		logger:    logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics))

	v1 := s.router.Group("/api/v1")
	v1.Use(userMiddleware())
	{
		v1.GET("/workflows", s.handleListWorkflows)
		v1.POST("/workflows/:id/execute", s.handleExecute)
		v1.POST("/workflows/:id/run", s.handleRun)
		v1.GET("/workflows/:id/runs", s.handleListRuns)

		v1.GET("/runs/:id", s.handleGetRun)
		v1.GET("/runs/:id/events", s.handleGetRunEvents)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)

		v1.POST("/tools/reconcile", s.handleReconcileTools)
		v1.GET("/workers", s.handleListWorkers)
	}
}

// SetupWebSocket adds the WebSocket routes to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleExecute(*gin.Context)
	HandleWatch(*gin.Context)
}) {
	ws := s.router.Group("/api/v1")
	ws.Use(userMiddleware())
	ws.GET("/workflows/:id/ws", handler.HandleExecute)
	ws.GET("/runs/:id/ws", handler.HandleWatch)
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
