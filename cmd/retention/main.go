package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/adapters/database"
	"github.com/zatekoja/clinical-insights/backend/internal/application/services"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinical-insights/backend/pkg/config"
	"github.com/zatekoja/clinical-insights/backend/pkg/secrets"
)

// retention deletes audit records older than the retention window. It is
// meant for a cron job when the API runs without its own retention ticker.
func main() {
	var days int
	flag.IntVar(&days, "days", 0, "Retention window in days (defaults to AUDIT_RETENTION_DAYS)")
	flag.Parse()

	if err := secrets.LoadIntoEnv(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to load secrets")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-retention", cfg.Environment, cfg.LogLevel)

	if days <= 0 {
		days = cfg.Audit.RetentionDays
	}
	if cfg.Audit.Store != "postgres" {
		log.Warn().Str("store", cfg.Audit.Store).Msg("audit store is not persistent, nothing to clean up")
		return
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pgClient.Close()

	audit := services.NewAuditService(database.NewAuditAdapter(pgClient), services.AuditServiceConfig{Enabled: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	deleted, err := audit.Cleanup(ctx, days)
	if closeErr := audit.Close(ctx); closeErr != nil {
		log.Warn().Err(closeErr).Msg("failed to close audit service")
	}
	if err != nil {
		log.Fatal().Err(err).Int("days", days).Msg("audit cleanup failed")
	}

	log.Info().
		Int64("deleted", deleted).
		Int("days", days).
		Dur("duration", time.Since(start)).
		Msg("audit cleanup completed")
}
