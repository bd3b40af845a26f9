// Package main is the entry point for the distributed LLM quota engine.
//
// It ties together the coordination store, the quota engine and its
// background sweeper, the upstream provider (real or mock), and the
// OpenAI-compatible HTTP surface, then serves until a termination signal
// triggers graceful shutdown. Adapted from the teacher's cmd/server/main.go
// wiring sequence (config load, logger init, signal handling, HTTP server
// lifecycle) with the queue/worker bootstrap replaced by the quota engine
// and sweeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/llmquota/ratelimiter/internal/config"
	"github.com/llmquota/ratelimiter/internal/handler"
	"github.com/llmquota/ratelimiter/internal/llm"
	"github.com/llmquota/ratelimiter/internal/obs"
	"github.com/llmquota/ratelimiter/internal/quota"
	"github.com/llmquota/ratelimiter/internal/queue"
	"github.com/llmquota/ratelimiter/internal/store"
	"github.com/llmquota/ratelimiter/internal/tokenizer"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	limitsFile := flag.String("limits-file", "", "Path to a YAML overlay of per-key quota limits")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *limitsFile != "" {
		if err := config.LoadLimitsOverlay(cfg, *limitsFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load limits overlay: %v\n", err)
			os.Exit(1)
		}
	}

	obs.Init(obs.Level(cfg.Logging.Level), cfg.Logging.Pretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		obs.Error(err, "failed to connect to coordination store", map[string]interface{}{"addr": cfg.Redis.Addr})
		os.Exit(1)
	}
	obs.Info("connected to coordination store", map[string]interface{}{"addr": cfg.Redis.Addr})

	anomalyQueue, err := queue.New(queue.Config{
		Backend:   queue.RedisBackend,
		KeyPrefix: cfg.Quota.KeyPrefix,
	}, redisClient)
	if err != nil {
		obs.Error(err, "failed to initialize anomaly queue", nil)
		os.Exit(1)
	}

	coordStore := store.New(redisClient, cfg.Quota.KeyPrefix)
	engine := quota.New(coordStore, cfg.Quota).WithAnomalies(anomalyQueue)

	sweeper := quota.NewSweeper(engine)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	anomalyWorker := queue.NewWorker(anomalyQueue, queue.WorkerConfig{})
	anomalyWorker.Start(ctx)
	defer anomalyWorker.Stop()

	estimator := tokenizer.New()

	var provider llm.Provider
	if cfg.Upstream.UseMock {
		provider = llm.NewMockProvider(cfg.Upstream, estimator)
		obs.Info("using mock upstream provider", nil)
	} else {
		provider = llm.NewUpstreamProvider(cfg.Upstream)
		obs.Info("using live upstream provider", map[string]interface{}{"base_url": cfg.Upstream.BaseURL})
	}

	chatHandler := handler.NewChatHandler(engine, provider, estimator, cfg.Quota, cfg.Upstream.RequestTimeout)
	healthHandler := handler.NewHealthHandler(coordStore)
	usageHandler := handler.NewUsageHandler(engine, knownKeys(cfg))

	mux := http.NewServeMux()
	mux.Handle("/v1/chat/completions", chatHandler)
	mux.Handle("/health", healthHandler)
	mux.Handle("/v1/admin/usage", usageHandler)

	portStr := cfg.Server.Port
	if !strings.HasPrefix(portStr, ":") {
		portStr = ":" + portStr
	}

	server := &http.Server{
		Addr:         portStr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		obs.Info("starting HTTP server", map[string]interface{}{"port": portStr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Error(err, "HTTP server error", nil)
			cancel()
		}
	}()

	<-signalCh
	obs.Info("shutdown signal received, gracefully shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		obs.Error(err, "server shutdown error", nil)
	}

	cancel()
	obs.Info("server shutdown complete", nil)
}

// knownKeys returns the configured API keys in stable order, for the admin
// usage endpoint's snapshot set.
func knownKeys(cfg *config.Config) []string {
	keys := make([]string, 0, len(cfg.Quota.Limits))
	for key := range cfg.Quota.Limits {
		keys = append(keys, key)
	}
	return keys
}
