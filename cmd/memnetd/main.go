// memnetd is the memory service daemon: it extracts durable facts from
// conversations, stores them in a vector backend and serves semantic
// retrieval over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memnet-ai/memnet/internal/config"
	"github.com/memnet-ai/memnet/internal/embeddings"
	"github.com/memnet-ai/memnet/internal/httpapi"
	"github.com/memnet-ai/memnet/internal/llm"
	"github.com/memnet-ai/memnet/internal/memory"
	"github.com/memnet-ai/memnet/internal/tracing"
	"github.com/memnet-ai/memnet/internal/vectorstore"
	"github.com/memnet-ai/memnet/internal/vectorstore/inmemory"
	"github.com/memnet-ai/memnet/internal/vectorstore/pgvector"
	"github.com/memnet-ai/memnet/internal/vectorstore/qdrant"
	"github.com/memnet-ai/memnet/internal/vectorstore/redisstore"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "memnetd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if dump, err := cfg.Dump(); err == nil {
		logger.Debug("effective configuration", zap.ByteString("config", dump))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		return err
	}

	store, err := newStore(cfg.VectorStore, logger)
	if err != nil {
		return err
	}

	var cache embeddings.Cache
	if cfg.Embedder.CacheRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Embedder.CacheRedisAddr})
		defer rdb.Close()
		cache = embeddings.NewRedisCache(rdb)
	}
	embedder := embeddings.New(embeddings.Config{
		Endpoint:          cfg.Embedder.Endpoint,
		Model:             cfg.Embedder.Model,
		APIKey:            cfg.Embedder.APIKey,
		Timeout:           cfg.Embedder.Timeout,
		CacheTTL:          cfg.Embedder.CacheTTL,
		MaxLRU:            cfg.Embedder.MaxLRU,
		RequestsPerSecond: cfg.Embedder.RequestsPerSecond,
	}, cache, logger)

	provider := llm.New(llm.Config{
		Endpoint:          cfg.LLM.Endpoint,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}, logger)

	svc := memory.NewService(store, embedder, provider, memory.Config{
		DuplicateThreshold: cfg.Memory.DuplicateThreshold,
		EnableReranking:    cfg.Memory.EnableReranking,
		HistoryLimit:       cfg.Memory.HistoryLimit,
	}, logger)

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Initialize(initCtx, cfg.VectorStore.AllowRecreation); err != nil {
		return fmt.Errorf("initialize memory service: %w", err)
	}
	logger.Info("memory service initialized",
		zap.String("provider", cfg.VectorStore.Provider),
		zap.String("collection", cfg.VectorStore.Collection))

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			svc.Reconfigure(memory.Config{
				DuplicateThreshold: next.Memory.DuplicateThreshold,
				EnableReranking:    next.Memory.EnableReranking,
				HistoryLimit:       next.Memory.HistoryLimit,
			})
			logger.Info("memory pipeline reconfigured",
				zap.Float64("duplicate_threshold", next.Memory.DuplicateThreshold),
				zap.Bool("enable_reranking", next.Memory.EnableReranking))
		}, logger)
		if err != nil {
			logger.Warn("config watching unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httpapi.NewServer(svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Logging) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

func newStore(cfg config.VectorStore, logger *zap.Logger) (vectorstore.Store, error) {
	switch cfg.Provider {
	case "inmemory":
		return inmemory.New(logger), nil
	case "qdrant":
		return qdrant.New(qdrant.Config{
			Endpoint:   cfg.Endpoint,
			Collection: cfg.Collection,
			APIKey:     cfg.APIKey,
		}, logger)
	case "pgvector":
		return pgvector.New(pgvector.Config{
			DSN:        cfg.Endpoint,
			Collection: cfg.Collection,
		}, logger)
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:       cfg.Endpoint,
			Collection: cfg.Collection,
			APIKey:     cfg.APIKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown vector store provider %q", cfg.Provider)
	}
}
