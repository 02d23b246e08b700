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
	"github.com/zatekoja/clinical-insights/backend/internal/adapters/cache"
	"github.com/zatekoja/clinical-insights/backend/internal/adapters/database"
	"github.com/zatekoja/clinical-insights/backend/internal/adapters/events"
	"github.com/zatekoja/clinical-insights/backend/internal/api/handlers"
	"github.com/zatekoja/clinical-insights/backend/internal/api/routes"
	"github.com/zatekoja/clinical-insights/backend/internal/application/services"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/repositories"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/openai"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinical-insights/backend/pkg/config"
	"github.com/zatekoja/clinical-insights/backend/pkg/secrets"
)

func main() {
	// Secrets from Vault are exported into the environment before the
	// configuration is read.
	if err := secrets.LoadIntoEnv(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load secrets: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Environment, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	var otelShutdown func(context.Context) error
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		otelShutdown, err = observability.Setup(ctx, observability.SetupOptions{
			ServiceName:    cfg.OTEL.ServiceName,
			ServiceVersion: cfg.OTEL.ServiceVersion,
			Endpoint:       cfg.OTEL.Endpoint,
			Logs:           cfg.OTEL.LogsEnabled,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			if cfg.OTEL.LogsEnabled {
				observability.AttachOTelHook(cfg.OTEL.ServiceName)
			}
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}
	pipelineMetrics, err := observability.InitPipelineMetrics(metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize pipeline metrics")
	}

	// Clinical context lives in PostgreSQL, so the database is required.
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize PostgreSQL client")
	}
	defer pgClient.Close()
	log.Info().Msg("PostgreSQL client initialized")

	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.Cache.InvalidationEvents {
		redisClient, err = redis.NewClient(&cfg.Redis)
		if err != nil {
			if cfg.Cache.Backend == "redis" {
				log.Fatal().Err(err).Msg("failed to initialize Redis client")
			}
			// Cross-instance invalidation is optional; local invalidation still works.
			log.Warn().Err(err).Msg("Redis unavailable, context events stay local")
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Info().Msg("Redis client initialized")
		}
	}

	settings := services.PipelineSettingsFromConfig(cfg.Pipelines)

	// Result cache
	l1Config := services.CacheLayerConfig{
		MaxItems:        cfg.Cache.MaxItems,
		MaxMemoryBytes:  cfg.Cache.MaxMemoryBytes,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		TTLByPipeline:   services.CacheTTLs(settings),
		CleanupInterval: cfg.Cache.CleanupInterval,
	}
	var resultCache services.ResultCache
	var tiered *services.TieredCache
	if cfg.Cache.Backend == "redis" {
		l1Config.MaxItems = cfg.Cache.L1MaxItems
		l1Config.FixedTTL = cfg.Cache.L1TTL
		l1, err := services.NewCacheLayer(l1Config)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize in-process cache tier")
		}
		tiered = services.NewTieredCache(l1, cache.NewRedisAdapter(redisClient), cfg.Cache.DefaultTTL, services.CacheTTLs(settings))
		resultCache = tiered
	} else {
		local, err := services.NewCacheLayer(l1Config)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize result cache")
		}
		resultCache = local
	}

	// Audit trail
	var auditRepo repositories.AuditRepository
	if cfg.Audit.Store == "postgres" {
		auditRepo = database.NewAuditAdapter(pgClient)
	} else {
		auditRepo = database.NewMemoryAuditAdapter()
	}
	auditService := services.NewAuditService(auditRepo, services.AuditServiceConfig{
		Enabled:             cfg.Audit.Enabled,
		MaxPayloadBytes:     cfg.Audit.MaxPayloadBytes,
		LogResponses:        cfg.Audit.LogResponses,
		CostPer1KPrompt:     cfg.Audit.CostPer1KPrompt,
		CostPer1KCompletion: cfg.Audit.CostPer1KCompletion,
		Workers:             cfg.Audit.Workers,
		QueueSize:           cfg.Audit.QueueSize,
	})
	auditService.StartRetention(ctx, cfg.Audit.RetentionDays, cfg.Audit.RetentionInterval)

	// Prompts
	registry := services.NewPromptRegistry(cfg.Prompts.ResolutionCacheSize)
	var loaded int
	if cfg.Prompts.Dir != "" {
		loaded, err = registry.LoadPromptDir(cfg.Prompts.Dir)
	} else {
		loaded, err = registry.LoadDefaultPrompts()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load prompt templates")
	}
	log.Info().Int("templates", loaded).Msg("prompt registry loaded")

	modelClient, err := openai.NewClient(&cfg.OpenAI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize model client")
	}
	defer modelClient.Close()

	executor, err := services.NewPipelineExecutor(services.PipelineExecutorDeps{
		Registry:         registry,
		Cache:            resultCache,
		Audit:            auditService,
		Context:          database.NewClinicalContextAdapter(pgClient),
		Model:            modelClient,
		Settings:         settings,
		KeyPrefix:        cfg.Cache.KeyPrefix,
		BatchConcurrency: cfg.Executor.BatchConcurrency,
		Metrics:          pipelineMetrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize pipeline executor")
	}
	orchestrator := services.NewInsightsOrchestrator(executor)

	if tiered != nil {
		warming := services.NewCacheWarmingService(tiered, cfg.Cache.KeyPrefix, settings)
		warming.StartPeriodicWarming(ctx, cfg.Cache.WarmInterval)
	}

	// Context change events. Without Redis they only invalidate this instance.
	var eventBus providers.EventBus
	if cfg.Cache.InvalidationEvents && redisClient != nil {
		eventBus = events.NewRedisEventBus(redisClient)
	}
	invalidation := services.NewCacheInvalidationService(executor, eventBus)
	if err := invalidation.Start(); err != nil {
		log.Warn().Err(err).Msg("failed to subscribe to context events")
	}

	router := routes.NewRouter(routes.RouterDeps{
		Insights:       handlers.NewInsightsHandler(orchestrator),
		Pipelines:      handlers.NewPipelineHandler(executor),
		Cache:          handlers.NewCacheHandler(executor, invalidation),
		Audit:          handlers.NewAuditHandler(auditService),
		Health:         handlers.NewHealthHandler(orchestrator, auditService),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        metrics,
	})

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router.SetupRoutes(),
		ReadTimeout: 15 * time.Second,
		// Insight streams stay open for the whole analysis.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	invalidation.Stop()
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event bus")
		}
	}

	if err := auditService.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error flushing audit trail")
	}
	if err := resultCache.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down result cache")
	}

	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error shutting down OpenTelemetry")
		}
	}

	log.Info().Msg("server exited")
}
