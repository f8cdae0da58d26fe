package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/cache"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/database"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/events"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/llm"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/quota"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/search"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/templates"
	"github.com/zatekoja/clinicalvalidation/internal/api/handlers"
	"github.com/zatekoja/clinicalvalidation/internal/api/routes"
	"github.com/zatekoja/clinicalvalidation/internal/application/services"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/anthropic"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/gemini"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/openai"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/redis"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTEL.Enabled {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to setup OpenTelemetry")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize metrics")
	}

	// Initialize PostgreSQL client
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pgClient.Close()

	// Redis backs the context cache, rebuild locks and the event stream. Without
	// it everything stays in process.
	var (
		cacheProvider   providers.CacheProvider
		counterProvider providers.CounterProvider
		lockProvider    providers.LockProvider
		eventBus        providers.EventBus
	)
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-memory cache and event bus")
		memory := cache.NewMemoryAdapter(cfg.Redis.MemoryMaxEntries)
		cacheProvider, counterProvider, lockProvider = memory, memory, memory
		eventBus = events.NewMemoryEventBus()
	} else {
		defer redisClient.Close()
		redisCache := cache.NewRedisAdapter(redisClient)
		cacheProvider, counterProvider, lockProvider = redisCache, redisCache, redisCache
		eventBus = events.NewRedisEventBus(redisClient)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	knowledge := database.NewKnowledgeAdapter(pgClient)

	// Search cache with relational fallback
	backend, closeBackend, err := search.OpenBackend(&cfg.Search, &cfg.Typesense)
	if err != nil {
		log.Warn().Err(err).Str("backend", cfg.Search.Backend).Msg("Search cache unavailable, serving context from the relational store only")
	}
	defer func() {
		if err := closeBackend(); err != nil {
			log.Error().Err(err).Msg("Error closing search cache")
		}
	}()

	var primary providers.SearchIndex
	if backend != nil {
		primary = backend
	}
	searchIndex := search.NewFallbackSearch(
		primary,
		search.NewRelationalSearch(knowledge),
		search.BreakerSettings{
			ConsecutiveFailures: uint32(cfg.Search.BreakerFailures),
			Cooldown:            cfg.Search.BreakerCooldown,
		},
		metrics,
	)

	templateRepo, err := newTemplateRepository(cfg, pgClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load prompt templates")
	}

	gateway, err := newGateway(cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize LLM gateway")
	}

	assembler := services.NewContextAssembler(
		services.NewKeywordExtractor(),
		searchIndex,
		cacheProvider,
		services.ContextAssemblerConfig{
			TopN:            cfg.Search.TopN,
			CacheTTL:        cfg.Validation.ContextCacheTTL,
			CacheKeyChars:   cfg.Validation.ContextCachePrefix,
			DocumentPreview: cfg.Validation.DocumentPreviewSize,
		},
		metrics,
	)

	var orders providers.OrderStatusProvider
	if cfg.Validation.CheckOrderStatus {
		orders = database.NewOrderStatusAdapter(pgClient)
	}

	var quotaChecker providers.QuotaChecker
	if cfg.Validation.QuotaLimit > 0 {
		quotaChecker = quota.NewAttemptQuota(quota.Config{
			Limit:               cfg.Validation.QuotaLimit,
			Window:              cfg.Validation.QuotaWindow,
			CountClarifications: cfg.Validation.QuotaCountClarifications,
		}, counterProvider)
	}

	validationService := services.NewValidationService(
		database.NewValidationAttemptAdapter(pgClient),
		templateRepo,
		assembler,
		services.NewPromptConstructor(cfg.Validation.DefaultWordLimit, cfg.LLM.MaxTokens, cfg.LLM.Temperature),
		gateway,
		services.NewResponseParser(cfg.Validation.AutoCorrectPrimary),
		orders,
		quotaChecker,
		cfg.Validation.TemplateType,
		metrics,
	).WithEventBus(eventBus)

	var searchCacheHandler *handlers.SearchCacheHandler
	if backend != nil {
		rebuilder := services.NewIndexRebuildService(knowledge, backend, lockProvider, cacheProvider, cfg.Indexer.LockTTL, metrics)
		searchCacheHandler = handlers.NewSearchCacheHandler(rebuilder)
		defer searchCacheHandler.Wait()

		// An in-memory Bleve index starts empty on every boot.
		if cfg.Search.Backend == "bleve" && cfg.Search.BlevePath == "" {
			go func() {
				report, err := rebuilder.Rebuild(ctx, services.RebuildOptions{BatchSize: cfg.Indexer.BatchSize})
				if err != nil {
					log.Error().Err(err).Msg("Failed to warm in-memory search cache")
					return
				}
				log.Info().Dur("duration", report.Duration).Msg("In-memory search cache warmed")
			}()
		}
	}

	router := routes.NewRouter(
		handlers.NewValidationHandler(validationService, cacheProvider),
		handlers.NewValidationStreamHandler(eventBus),
		searchCacheHandler,
		cfg.Server.AllowedOrigins,
		metrics,
	)

	// A validation may walk the whole provider chain before it answers.
	attempts := time.Duration((cfg.LLM.MaxRetries + 1) * len(cfg.LLM.Providers))
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.SetupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLM.Timeout*attempts + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Strs("llm_providers", cfg.LLM.Providers).Str("search_backend", cfg.Search.Backend).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// newTemplateRepository prefers a YAML template file when configured and
// falls back to the prompt_templates table.
func newTemplateRepository(cfg *config.Config, pgClient *postgres.Client) (repositories.PromptTemplateRepository, error) {
	if cfg.Validation.TemplatesFile != "" {
		repo, err := templates.LoadFile(cfg.Validation.TemplatesFile)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.Validation.TemplatesFile).Msg("Loaded prompt templates from file")
		return repo, nil
	}
	return database.NewPromptTemplateAdapter(pgClient), nil
}

// newGateway registers every provider that has credentials and orders them by
// LLM_PROVIDERS.
func newGateway(cfg *config.Config, metrics *observability.Metrics) (*llm.Gateway, error) {
	registry := llm.NewRegistry()

	if client, err := openai.NewClient(&cfg.OpenAI); err != nil {
		log.Warn().Err(err).Msg("OpenAI provider disabled")
	} else {
		registry.Register(client)
	}
	if client, err := anthropic.NewClient(&cfg.Anthropic); err != nil {
		log.Warn().Err(err).Msg("Anthropic provider disabled")
	} else {
		registry.Register(client)
	}
	if client, err := gemini.NewClient(&cfg.Gemini); err != nil {
		log.Warn().Err(err).Msg("Gemini provider disabled")
	} else {
		registry.Register(client)
	}

	return llm.NewGateway(registry, cfg.LLM.Providers, llm.GatewayConfig{
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	}, metrics)
}
