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

	"render-orchestrator/internal/api"
	"render-orchestrator/internal/artifact"
	"render-orchestrator/internal/broadcast"
	"render-orchestrator/internal/config"
	"render-orchestrator/internal/dispatch"
	"render-orchestrator/internal/hrid"
	"render-orchestrator/internal/lifecycle"
	"render-orchestrator/internal/oss"
	"render-orchestrator/internal/platform"
	"render-orchestrator/internal/progress"
	"render-orchestrator/internal/ratelimit"
	"render-orchestrator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		sugar.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		sugar.Fatalw("migrations", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	cache := progress.New(redisClient, cfg.ProgressTTL)

	registry := platform.NewRegistry(cfg.File.Agents)
	client := platform.NewClient(cfg.PlatformBaseURL, 30*time.Second)

	chain, err := oss.NewChain(ctx, cfg.File.OSS)
	if err != nil {
		sugar.Fatalw("init blob storage", "error", err)
	}
	pipeline := artifact.New(chain, nil)

	hub := broadcast.NewHub(sugar)
	orchestrator := lifecycle.New(st, cache, registry, client, pipeline, hub, sugar)
	dispatcher := dispatch.New(registry, client, cache, dispatch.Options{
		WebhookURL:     cfg.File.WebhookURL,
		DefaultRespack: cfg.File.DefaultRespack,
		Timezone:       cfg.File.Timezone,
		UseSnapshot:    cfg.File.UseSnapshot,
	}, sugar)

	limiter := ratelimit.NewClientLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	perClient := make(map[string][]string, len(cfg.File.Clients))
	for _, c := range cfg.File.Clients {
		perClient[c.Name] = c.IDPool
	}
	ids := hrid.NewPool(cfg.File.IDPool, perClient)

	server := api.New(cfg, st, dispatcher, orchestrator, cache, registry, client, hub, limiter, ids, sugar)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	sugar.Infow("api listening", "port", cfg.HTTPPort, "agents", len(registry.Agents()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
