// Command bot starts the AI chat gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai/openrouter"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai/stub"
	httpserver "github.com/fairyhunter13/ai-chat-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/knowledge/wikipedia"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-gateway/internal/app"
	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/cache"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/conversation"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	persona, err := config.LoadPersona(cfg.PersonaFile)
	if err != nil {
		slog.Error("persona load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Optional Redis write-through for the caches.
	var cacheOpts []cache.Option
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, running with in-memory caches only", slog.Any("error", err))
		} else {
			cacheOpts = append(cacheOpts, cache.WithRedis(rdb))
			defer func() { _ = rdb.Close() }()
		}
	}

	replyCache := cache.New("replies", cfg.CacheCapacity, cacheOpts...)
	searchCache := cache.New("search", cfg.CacheCapacity, cacheOpts...)

	// Optional durable interaction store.
	var repo domain.InteractionRepo
	var pgCleanup func()
	if cfg.DBURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		repo = postgres.NewInteractionRepo(pool)
		pgCleanup = pool.Close
	}
	if pgCleanup != nil {
		defer pgCleanup()
	}

	// Optional outcome event stream.
	var events domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.OutcomeTopic)
		if err != nil {
			slog.Error("event producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close(context.Background())
		events = producer
	}

	limiter := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: cfg.RateBucketCapacity,
		RefillTokens:   cfg.RateRefillTokens,
		RefillInterval: cfg.RateRefillInterval,
		GlobalWindow:   cfg.GlobalWindow,
		GlobalLimit:    cfg.GlobalWindowLimit,
		MaxInFlight:    cfg.MaxInFlight,
	})

	convOpts := []conversation.Option{}
	if repo != nil {
		convOpts = append(convOpts, conversation.WithRepo(repo))
	}
	convs := conversation.NewManager(persona, cfg.MaxHistoryPairs, cfg.SummaryTokenBudget, convOpts...)

	sources := []domain.KnowledgeSource{wikipedia.New(cfg.WikipediaBaseURL, cfg.KnowledgeTimeout)}
	knowledge := usecase.NewKnowledgeService(sources, searchCache, cfg.KnowledgeTimeout, cfg.SearchCacheTTL, cfg.NegativeCacheTTL)

	var completer domain.CompletionClient
	if cfg.OpenRouterAPIKey != "" {
		completer = openrouter.New(cfg)
	} else {
		slog.Warn("no completion api key configured, using deterministic stub")
		completer = stub.New()
	}

	generator := usecase.NewGenerateService(cfg, persona, limiter, convs, completer, knowledge, replyCache, repo, events)

	// Background maintenance over every piece of per-principal state.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	tasks := []app.SweepTask{
		{Name: "reply_cache", Run: func(context.Context) int { return replyCache.Cleanup() }},
		{Name: "search_cache", Run: func(context.Context) int { return searchCache.Cleanup() }},
		{Name: "conversations", Run: func(context.Context) int { return convs.SweepIdle(cfg.ConversationMaxIdle) }},
		{Name: "rate_buckets", Run: func(context.Context) int { return limiter.Sweep(cfg.RateBucketMaxIdle) }},
	}
	if repo != nil {
		tasks = append(tasks, app.SweepTask{Name: "interactions", Run: func(c context.Context) int {
			n, err := repo.DeleteExpired(c, time.Now().Add(-cfg.InteractionMaxAge))
			if err != nil {
				slog.Error("interaction sweep failed", slog.Any("error", err))
				return 0
			}
			return int(n)
		}})
	}
	go app.NewSweeper(cfg.SweepInterval, tasks...).Run(sweepCtx)

	srv := httpserver.NewServer(cfg, persona, generator)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
