package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/mira/mira-back/internal/ai"
	"github.com/mira/mira-back/internal/cache"
	"github.com/mira/mira-back/internal/config"
	"github.com/mira/mira-back/internal/memory"
	"github.com/mira/mira-back/internal/progress"
	"github.com/mira/mira-back/internal/queue"
	"github.com/mira/mira-back/internal/repository"
	"github.com/mira/mira-back/internal/worker"
)

// runtime holds the wired components shared by every subcommand.
type runtime struct {
	cfg     config.Config
	store   repository.Store
	queue   *queue.Queue
	hub     *progress.Hub
	events  progress.Emitter
	redis   *redis.Client
	closers []func()
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg, hub: progress.NewHub()}

	store, err := setupStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.store = store
	if closer, ok := store.(interface{ Close() }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}
	rt.queue = queue.New(store, queue.Config{
		MaxRetries: cfg.MaxRetries,
		StaleAfter: cfg.StaleAfter,
	})

	rt.events = rt.hub
	if cfg.RedisAddr == "" {
		slog.InfoContext(ctx, "REDIS_ADDR not configured, progress events stay in process")
		return rt, nil
	}
	client, err := progress.NewRedisClient(ctx, progress.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	})
	if err != nil {
		slog.WarnContext(ctx, "redis unavailable, progress events stay in process", "error", err)
		return rt, nil
	}
	rt.redis = client
	rt.events = progress.NewRedisEmitter(client, cfg.RedisPrefix)
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	slog.InfoContext(ctx, "redis progress fan-out enabled", "addr", cfg.RedisAddr)
	return rt, nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// bridge relays Redis events into the local hub so SSE clients see progress
// from workers in other processes. No-op without Redis.
func (rt *runtime) bridge(ctx context.Context) {
	if rt.redis == nil {
		return
	}
	go func() {
		err := progress.NewRedisBridge(rt.redis, rt.cfg.RedisPrefix, rt.hub).Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "progress bridge stopped", "error", err)
		}
	}()
}

func (rt *runtime) newWorker() (*worker.Worker, error) {
	return worker.New(worker.Deps{
		Queue:  rt.queue,
		Engine: setupEngine(rt.cfg),
		Facts:  memory.NewRetriever(rt.store),
		Events: rt.events,
	}, worker.Config{
		PollInterval: rt.cfg.PollInterval,
		BatchSize:    rt.cfg.BatchSize,
		StrictSchema: rt.cfg.StrictSchema,
	})
}

func setupStore(ctx context.Context, cfg config.Config) (repository.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.InfoContext(ctx, "DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), nil
	}

	pg, err := repository.NewPostgresStore(ctx, repository.PostgresConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DatabaseMaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}
	slog.InfoContext(ctx, "postgres store initialized", "max_conns", cfg.DatabaseMaxConns)
	return pg, nil
}

func setupEngine(cfg config.Config) ai.Engine {
	var generator ai.TextGenerator
	provider := cfg.Provider()
	switch provider {
	case "openai":
		generator = ai.NewOpenAIClient(ai.OpenAIClientConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Timeout:    cfg.LLMTimeout,
			MaxRetries: cfg.LLMMaxRetries,
		})
	case "openrouter":
		generator = ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
			APIKey:     cfg.OpenRouterAPIKey,
			BaseURL:    cfg.OpenRouterBaseURL,
			Timeout:    cfg.LLMTimeout,
			MaxRetries: cfg.LLMMaxRetries,
			SiteURL:    cfg.OpenRouterSiteURL,
			AppName:    cfg.OpenRouterAppName,
		})
	case "anthropic":
		generator = ai.NewAnthropicClient(ai.AnthropicClientConfig{
			APIKey:     cfg.AnthropicAPIKey,
			BaseURL:    cfg.AnthropicBaseURL,
			Timeout:    cfg.LLMTimeout,
			MaxRetries: cfg.LLMMaxRetries,
		})
	}

	if generator == nil || !generator.Available() {
		slog.Warn("no LLM provider configured, using heuristic reasoning engine", "provider", provider)
		return ai.NewHeuristicEngine()
	}

	var limiter *rate.Limiter
	if cfg.LLMRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LLMRPS), max(1, int(cfg.LLMRPS)))
	}
	engine := ai.NewReasoningEngine(ai.ReasoningEngineConfig{
		Generator: generator,
		Router:    ai.NewModelRouter(routerConfig(cfg, provider)),
		Limiter:   limiter,
	})
	slog.Info("reasoning engine configured", "provider", provider)

	return ai.NewCachedEngine(engine, cache.NewResultCache(cache.Config{
		TTL:        cfg.ResultCacheTTL,
		MaxEntries: cfg.ResultCacheMaxEntries,
	}))
}

// routerConfig fills provider-specific default model names.
func routerConfig(cfg config.Config, provider string) ai.ModelRouterConfig {
	router := ai.ModelRouterConfig{
		ShortPrimary:  cfg.ModelShortPrimary,
		ShortFallback: cfg.ModelShortFallback,
		LongPrimary:   cfg.ModelLongPrimary,
		LongFallback:  cfg.ModelLongFallback,
	}
	var short, fallback, long string
	switch provider {
	case "anthropic":
		short, fallback, long = "claude-3-5-haiku-latest", "claude-3-haiku-20240307", "claude-sonnet-4-0"
	case "openrouter":
		short, fallback, long = "openai/gpt-4.1-mini", "openai/gpt-4.1-nano", "openai/gpt-4.1"
	default:
		return router
	}
	if router.ShortPrimary == "" {
		router.ShortPrimary = short
	}
	if router.ShortFallback == "" {
		router.ShortFallback = fallback
	}
	if router.LongPrimary == "" {
		router.LongPrimary = long
	}
	if router.LongFallback == "" {
		router.LongFallback = router.ShortPrimary
	}
	return router
}
