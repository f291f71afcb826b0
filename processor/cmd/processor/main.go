package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/cvanalytics/pipeline/common/changefeed"
	"github.com/cvanalytics/pipeline/common/database"
	"github.com/cvanalytics/pipeline/common/eventstore"
	"github.com/cvanalytics/pipeline/common/logging"
	natsclient "github.com/cvanalytics/pipeline/common/messaging/nats"
	"github.com/cvanalytics/pipeline/processor/internal/aggregate"
	"github.com/cvanalytics/pipeline/processor/internal/config"
	"github.com/cvanalytics/pipeline/processor/internal/correlation"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/handlers"
	"github.com/cvanalytics/pipeline/processor/internal/maintenance"
	"github.com/cvanalytics/pipeline/processor/internal/pipeline"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
	"github.com/cvanalytics/pipeline/processor/internal/realtime"
	"github.com/cvanalytics/pipeline/processor/internal/router"
	"github.com/cvanalytics/pipeline/processor/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	addr := flag.String("addr", "", "override listen address")
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
	).With(logging.Service("processor"))
	logging.SetDefault(logger)

	slog.Info("Starting Processor service",
		slog.Int("port", cfg.Server.Port),
		slog.String("feed_backend", cfg.Feed.Backend),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.String("dlq_backend", cfg.DLQ.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx := context.Background()

	// Postgres: change feed, event store, aggregates
	var (
		feed   changefeed.Feed
		pruner maintenance.Pruner
		events correlation.EventLister
		aggs   aggregate.Store
	)
	if cfg.NeedsPostgres() {
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
		events = eventstore.NewPostgresStore(pool)
		if cfg.Feed.Backend == "postgres" {
			pf := changefeed.NewPostgresFeed(pool,
				changefeed.WithPostgresRetention(cfg.Feed.Retention),
				changefeed.WithPollInterval(cfg.Feed.PollInterval),
			)
			feed, pruner = pf, pf
		}
		if cfg.Processor.AggregateStore == "postgres" {
			aggs = aggregate.NewPostgresStore(pool)
		}
	}
	if feed == nil {
		slog.Warn("Using in-memory change feed; only events written by this process are relayed")
		mf := changefeed.NewMemoryFeed(changefeed.WithRetention(cfg.Feed.Retention))
		feed, pruner = mf, mf
		events = eventstore.NewMemoryStore(mf)
	}
	if aggs == nil {
		slog.Warn("Using in-memory aggregate store; aggregates are lost on restart")
		aggs = aggregate.NewMemoryStore()
	}

	// NATS: queues, dead letters, realtime bridge
	var js *natsclient.JetStreamClient
	if cfg.NATS.Enabled {
		js, err = natsclient.NewJetStreamClient(cfg.NATS.Client("processor"))
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer js.Close()
		slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
	}

	var deadLetters dlq.Store
	switch cfg.DLQ.Backend {
	case "jetstream":
		deadLetters, err = dlq.NewJetStreamStore(ctx, js)
		if err != nil {
			log.Fatalf("Failed to initialize dead-letter stream: %v", err)
		}
	case "sqlite":
		store, err := dlq.NewSQLiteStore(cfg.DLQ.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open dead-letter database: %v", err)
		}
		defer store.Close()
		deadLetters = store
		slog.Info("Dead-letter store opened", slog.String("path", cfg.DLQ.SQLitePath))
	default:
		slog.Warn("Using in-memory dead-letter store")
		deadLetters = dlq.NewMemoryStore()
	}

	queueOpts := queue.Options{
		MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxBatch:          cfg.Queue.MaxBatch,
		DedupWindow:       cfg.Queue.DedupWindow,
		DeadLetter:        dlq.Sink(deadLetters, logger),
	}
	newQueue := func(name string) (queue.Queue, error) {
		if cfg.Queue.Backend == "memory" {
			return queue.NewMemoryQueue(name, queueOpts, queue.WithLogger(logger)), nil
		}
		return queue.NewJetStreamQueue(ctx, js, name, queueOpts, queue.JetStreamOptions{
			GroupPartitions: cfg.Queue.GroupPartitions,
			Logger:          logger,
		})
	}

	// Redis: checkpoints and the correlation index
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		opt, err := cfg.Redis.Options()
		if err != nil {
			log.Fatalf("Invalid Redis config: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
	}

	var checkpoints changefeed.Checkpoints
	if rdb != nil {
		checkpoints = changefeed.NewRedisCheckpoints(rdb, "")
	} else {
		slog.Warn("Redis disabled; relay checkpoints are kept in memory and the feed is replayed on restart")
		checkpoints = changefeed.NewMemoryCheckpoints()
	}

	var index correlation.Index
	if cfg.Correlation.Backend == "redis" {
		index = correlation.NewRedisIndex(rdb, correlation.WithTTL(cfg.Correlation.TTL))
	} else {
		index = correlation.NewMemoryIndex()
	}

	// Realtime
	publisher := realtime.NewPublisher(
		realtime.WithSnapshotSize(cfg.Realtime.SnapshotSize),
		realtime.WithBuffer(cfg.Realtime.Buffer),
		realtime.WithLogger(logger),
	)
	defer publisher.Close()
	var notifier realtime.Notifier = publisher
	if js != nil {
		bridge := realtime.NewBridge(js.Client, publisher, logger)
		if err := bridge.Start(); err != nil {
			log.Fatalf("Failed to start realtime bridge: %v", err)
		}
		defer bridge.Stop()
		notifier = bridge
	}

	rules := router.DefaultRules()
	if cfg.Routing.RulesFile != "" {
		rules, err = router.LoadRules(cfg.Routing.RulesFile)
		if err != nil {
			log.Fatalf("Failed to load routing rules: %v", err)
		}
		slog.Info("Routing rules loaded",
			slog.String("path", cfg.Routing.RulesFile),
			slog.Int("rules", len(rules.Rules)))
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Feed:        feed,
		Checkpoints: checkpoints,
		NewQueue:    newQueue,
		Aggregates:  aggs,
		DeadLetters: deadLetters,
		Index:       index,
		Notifier:    notifier,
		Logger:      logger,
	}, pipeline.Settings{
		Rules:       rules,
		Consumer:    cfg.Feed.Consumer,
		Workers:     cfg.Processor.Workers,
		BatchSize:   cfg.Queue.MaxBatch,
		ReceiveWait: cfg.Processor.ReceiveWait,
		Budget:      cfg.Processor.BatchBudget,
		Concurrency: cfg.Processor.Concurrency,
		Retry:       cfg.Processor.RetryPolicy(),
		IndexBuffer: cfg.Correlation.Buffer,
	})
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	// Maintenance
	sched, err := maintenance.NewScheduler(pruner, pipe.QueueList(), deadLetters, logger)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	if _, err := sched.SchedulePrune(cfg.Maintenance.PruneInterval); err != nil {
		log.Fatalf("Failed to schedule change log pruning: %v", err)
	}
	if _, err := sched.ScheduleGauges(cfg.Maintenance.GaugeInterval); err != nil {
		log.Fatalf("Failed to schedule queue gauges: %v", err)
	}
	sched.Start()

	// HTTP
	var tokens *realtime.TokenValidator
	if cfg.Realtime.JWTSecret != "" {
		tokens = realtime.NewTokenValidator(cfg.Realtime.JWTSecret)
	} else {
		slog.Warn("realtime.jwt_secret is empty; /v1/stream accepts unauthenticated subscribers")
	}
	stats := make([]handlers.StatsSource, 0, len(pipe.Processors))
	for _, p := range pipe.Processors {
		stats = append(stats, p)
	}
	handler := handlers.NewProcessorHandler(aggs, index, events, deadLetters, stats, logger)
	if js != nil {
		handler.WithBroker(js.Client)
	}
	stream := realtime.NewStreamHandler(publisher, tokens, logger)

	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	srv := &http.Server{
		Addr:        listenAddr,
		Handler:     server.NewRouter(handler, stream),
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: /v1/stream responses are long lived.
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipe.Run(runCtx) }()

	go func() {
		slog.Info("Processor service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-runCtx.Done()
	slog.Info("Shutting down processor")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	publisher.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	if err := <-pipeDone; err != nil {
		slog.Error("Pipeline stopped with error", logging.Error(err))
	}
	if err := pipe.Close(shutdownCtx); err != nil {
		slog.Error("Failed to drain correlation index", logging.Error(err))
	}
	if err := sched.Stop(); err != nil {
		slog.Error("Failed to stop scheduler", logging.Error(err))
	}

	for _, p := range pipe.Processors {
		slog.Info("Processor stopped", slog.Any("stats", p.Health()))
	}
}
