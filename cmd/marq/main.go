package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marq-ai/marq/internal/agents"
	"github.com/marq-ai/marq/internal/catalog"
	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/embeddings"
	"github.com/marq-ai/marq/internal/httpapi"
	"github.com/marq-ai/marq/internal/llm"
	_ "github.com/marq-ai/marq/internal/metrics" // register collectors
	"github.com/marq-ai/marq/internal/orchestrator"
	"github.com/marq-ai/marq/internal/policy"
	"github.com/marq-ai/marq/internal/session"
	"github.com/marq-ai/marq/internal/streaming"
	"github.com/marq-ai/marq/internal/tracing"
	"github.com/marq-ai/marq/internal/vectordb"
	"github.com/marq-ai/marq/internal/warehouse"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without", zap.Error(err))
	}

	catalogStore, err := catalog.NewStore(cfg.Catalog.Path, cfg.Catalog.Watch, logger)
	if err != nil {
		logger.Fatal("Failed to load catalog", zap.Error(err))
	}
	defer catalogStore.Close()

	wh, err := warehouse.NewClient(cfg.Warehouse, logger)
	if err != nil {
		logger.Fatal("Failed to connect to warehouse", zap.Error(err))
	}
	defer wh.Close()

	var sessions *session.Manager
	var embedCache embeddings.Cache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     os.Getenv("REDIS_PASSWORD"),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Redis unavailable, sessions and embedding cache disabled", zap.Error(err))
		} else {
			sessions = session.NewManagerWithClient(redisClient, cfg.Redis.SessionTTL, logger)
			embedCache = embeddings.NewRedisCache(redisClient)
		}
	}

	embedder := embeddings.NewService(cfg.Embeddings, embedCache)
	search := vectordb.NewClient(cfg.Vector, embedder, logger)

	guard, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to initialize query guard", zap.Error(err))
	}

	gen := llm.NewClient(cfg.LLM, logger)
	table := cfg.Warehouse.Table

	events := streaming.NewManager(0)
	engine := orchestrator.NewEngine(
		agents.NewReceptionist(gen, catalogStore, table, logger),
		agents.NewTaskProposer(gen, catalogStore, table, logger),
		agents.NewActionPlanner(gen, catalogStore, table, logger),
		orchestrator.NewExecutor(wh, search, guard, table, logger),
		agents.NewValidator(gen, logger),
		agents.NewAggregator(gen, logger),
		orchestrator.Budgets{
			MaxTryTimes:  cfg.Orchestrator.MaxTryTimes,
			MaxTaskTries: cfg.Orchestrator.MaxTaskTries,
			Threshold:    cfg.Orchestrator.ConfidenceThreshold,
		},
		events,
		logger,
	)

	auth := httpapi.NewMiddleware(cfg.Auth, logger)
	server := httpapi.NewServer(cfg.Service, engine, sessions, events, auth, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("HTTP server failed", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown did not complete cleanly", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
