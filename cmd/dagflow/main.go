package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/dagflow/internal/application/orchestrator"
	"github.com/aescanero/dagflow/internal/application/runners"
	"github.com/aescanero/dagflow/internal/application/tools"
	"github.com/aescanero/dagflow/internal/application/workers"
	"github.com/aescanero/dagflow/internal/config"
	"github.com/aescanero/dagflow/pkg/adapters/events/redis"
	"github.com/aescanero/dagflow/pkg/adapters/llm"
	"github.com/aescanero/dagflow/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dagflow/pkg/adapters/repository/yamlfile"
	"github.com/aescanero/dagflow/pkg/adapters/storage/badgerdb"
	"github.com/aescanero/dagflow/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/dagflow/pkg/adapters/storage/redis"
	"github.com/aescanero/dagflow/pkg/api/grpc"
	"github.com/aescanero/dagflow/pkg/api/http"
	"github.com/aescanero/dagflow/pkg/api/websocket"
	"github.com/aescanero/dagflow/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting dagflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx := context.Background()

	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize adapters
	runStore, closeStore, err := openRunStore(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to open run store", zap.Error(err))
	}

	var mirror ports.EventMirror
	if cfg.Storage.EventMirror {
		mirror = redis.NewStreamMirror(redisClient, cfg.Storage.HistoryTTL, logger)
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsCollector := prometheus.NewCollector(registry)

	llmClient, err := llm.NewClient(&llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to create LLM client", zap.Error(err))
	}
	if llmClient == nil {
		logger.Warn("no LLM API key configured, model-call nodes will fail")
	}

	workflows := yamlfile.NewRepository(cfg.WorkflowDir, logger)
	toolStore := yamlfile.NewToolConfigFile(cfg.ToolsConfig)

	// Connect tool clients
	toolManager := tools.NewManager(nil, logger)
	reconcile := func(ctx context.Context) (*tools.Report, error) {
		return tools.Reconcile(ctx, toolStore, toolManager, logger)
	}
	if report, err := reconcile(ctx); err != nil {
		logger.Error("initial tool reconciliation failed", zap.Error(err))
	} else {
		logger.Info("tool clients reconciled",
			zap.Strings("added", report.Added),
			zap.Int("failed", len(report.Failed)))
	}

	// Initialize application components
	runnerRegistry := runners.NewDefaultRegistry(runners.Options{
		Tools:              toolManager,
		LLM:                llmClient,
		Metrics:            metricsCollector,
		Logger:             logger,
		DefaultModel:       cfg.LLM.DefaultModel,
		DefaultMaxTokens:   cfg.LLM.DefaultMaxTokens,
		DefaultTemperature: cfg.LLM.DefaultTemperature,
	})
	validator := orchestrator.NewValidator(runnerRegistry)

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)

	// Start worker pool
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	runManager := orchestrator.NewManager(
		workflows,
		validator,
		runStore,
		mirror,
		metricsCollector,
		workerPool,
		logger,
		orchestrator.ManagerConfig{
			RunTimeout:    cfg.Timeouts.Run,
			NodeTimeout:   cfg.Timeouts.Node,
			SettleTimeout: cfg.Timeouts.Settle,
		},
	)

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:      cfg.HTTPPort,
		Runs:      runManager,
		Pool:      workerPool,
		Reconcile: reconcile,
		Gatherer:  registry,
		Logger:    logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(runManager, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Pool:   workerPool,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("dagflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("event_mirror", cfg.Storage.EventMirror),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()

	// Exit active runs before the servers stop so streams receive WORKFLOW_END
	if err := runManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("run manager shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := toolManager.Close(); err != nil {
		logger.Error("tool manager close error", zap.Error(err))
	}

	if err := closeStore.Close(); err != nil {
		logger.Error("run store close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("dagflow shut down complete")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openRunStore builds the configured run store
func openRunStore(cfg *config.Config, client *goredis.Client, logger *zap.Logger) (ports.RunStore, io.Closer, error) {
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		return redisstorage.NewRunStore(client, cfg.Storage.HistoryTTL, logger), nopCloser{}, nil
	case config.StorageBadger:
		store, err := badgerdb.Open(cfg.Storage.BadgerDir, cfg.Storage.HistoryTTL, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return memory.NewInMemoryRunStore(), nopCloser{}, nil
	}
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
