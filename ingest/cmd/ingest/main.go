package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/cvanalytics/pipeline/common/database"
	"github.com/cvanalytics/pipeline/common/eventstore"
	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/signature"
	"github.com/cvanalytics/pipeline/common/sourcestats"
	"github.com/cvanalytics/pipeline/ingest/internal/config"
	"github.com/cvanalytics/pipeline/ingest/internal/handlers"
	"github.com/cvanalytics/pipeline/ingest/internal/ratelimit"
	"github.com/cvanalytics/pipeline/ingest/internal/server"
	"github.com/cvanalytics/pipeline/ingest/internal/service"
	"github.com/cvanalytics/pipeline/ingest/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("ingest"))
	logging.SetDefault(logger)

	slog.Info("Starting Ingest service",
		slog.Int("port", cfg.Server.Port),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx := context.Background()

	// Event store
	var store eventstore.Store
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Database.Migrate {
			if err := database.Migrate(cfg.Database.MigrationsURL(), cfg.Database.URL); err != nil {
				log.Fatalf("Failed to apply migrations: %v", err)
			}
			slog.Info("Database migrations applied", slog.String("source", cfg.Database.MigrationsURL()))
		}
		pool, err := database.NewPool(ctx, cfg.Database.Pool())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		store = eventstore.NewPostgresStore(pool)
	case "memory":
		slog.Warn("Using in-memory event store; events are lost on restart and invisible to other processes")
		store = eventstore.NewMemoryStore(nil)
	}

	writer := eventstore.NewWriter(store,
		eventstore.WithMaxAttempts(cfg.Ingestion.WriteAttempts),
		eventstore.WithWriterLogger(logger),
	)

	// Rate limiter
	var rateLimiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.Redis.Enabled && cfg.Ingestion.RateLimitEnabled {
		limiter, err := ratelimit.NewRedisRateLimiter(
			cfg.Redis.URL,
			cfg.Ingestion.RateLimitRequests,
			cfg.Ingestion.RateLimitWindow,
		)
		if err != nil {
			slog.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting", logging.Error(err))
		} else {
			rateLimiter = limiter
			slog.Info("Rate limiting enabled",
				slog.Int("requests", cfg.Ingestion.RateLimitRequests),
				slog.Duration("window", cfg.Ingestion.RateLimitWindow))
		}
	} else {
		slog.Info("Rate limiting disabled")
	}
	defer rateLimiter.Close()

	sources, validators, err := buildSources(cfg)
	if err != nil {
		log.Fatalf("Failed to configure webhook sources: %v", err)
	}

	ingestService := service.NewIngestService(sources, writer, validator.NewChain(validators...), logger)

	handler := handlers.NewWebhookHandler(ingestService, rateLimiter, store, int64(cfg.Ingestion.MaxEventSize), logger)

	// Per-source delivery statistics
	if cfg.Redis.Enabled && cfg.Ingestion.SourceStatsInterval > 0 {
		opt, err := cfg.Redis.Options()
		if err != nil {
			log.Fatalf("Invalid Redis config: %v", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		instanceID, _ := os.Hostname()
		statsClient := sourcestats.NewClient(rdb, instanceID)
		collector := sourcestats.NewCollector(statsClient, cfg.Ingestion.SourceStatsInterval, logger)
		defer collector.Stop()
		handler.WithSourceStats(collector, statsClient)
		slog.Info("Source statistics enabled", slog.Duration("flush_interval", cfg.Ingestion.SourceStatsInterval))
	}
	router := server.NewRouter(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Ingest service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// In-flight deliveries finish before the store closes.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}

	slog.Info("Server stopped", slog.Any("stats", ingestService.GetStats()))
}

// buildSources creates a verifier per configured source. A source without its
// own secret uses the shared one.
func buildSources(cfg *config.Config) ([]*service.Source, []validator.Validator, error) {
	names := make([]string, 0, len(cfg.Webhooks.Sources))
	for name := range cfg.Webhooks.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	validators := []validator.Validator{validator.BasicValidator{}}
	sources := make([]*service.Source, 0, len(names))
	for _, name := range names {
		sc := cfg.Webhooks.Sources[name]

		primary, secondary := sc.Secret, sc.SecondarySecret
		if primary == "" {
			primary, secondary = cfg.Webhooks.Secret, cfg.Webhooks.SecondarySecret
		}
		verifier, err := signature.NewVerifier(primary,
			signature.WithSecondarySecret(secondary),
			signature.WithTolerance(cfg.Webhooks.Tolerance),
			signature.WithTimestampField(cfg.Webhooks.TimestampField),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("source %s: %w", name, err)
		}

		sources = append(sources, &service.Source{
			Name:             name,
			Partition:        sc.Partition,
			Verifier:         verifier,
			CorrelationPaths: sc.CorrelationPaths,
			EventTypeHeader:  sc.EventTypeHeader,
		})
		if len(sc.RequiredFields) > 0 {
			validators = append(validators, validator.RequiredFields{Source: name, Fields: sc.RequiredFields})
		}

		slog.Info("Webhook source configured",
			logging.Source(name),
			slog.Bool("secondary_secret", secondary != ""),
			slog.Int("correlation_paths", len(sc.CorrelationPaths)))
	}
	return sources, validators, nil
}
