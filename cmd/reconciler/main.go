package main

import (
	"TangleRecon/internal/cache"
	"TangleRecon/internal/config"
	"TangleRecon/internal/core"
	"TangleRecon/internal/ingestion"
	"TangleRecon/internal/observability"
	"TangleRecon/internal/persistence"
	"TangleRecon/internal/query"
	"TangleRecon/internal/server"
	"TangleRecon/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	level := observability.ParseLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel(os.Stdout, "reconciler", level)

	if err := run(cfg, level, logger); err != nil {
		logger.Fatal().Err(err).Msg("reconciler stopped")
	}
	logger.Info().Msg("reconciler shutdown complete")
}

func run(cfg config.Config, level zerolog.Level, logger zerolog.Logger) error {
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(os.Stdout, name, level)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.AddProbe("postgres", db.PingContext)
	logger.Info().Msg("Postgres connected")

	ran, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, component("migrator")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", ran).Msg("migrations up to date")

	store := persistence.NewPostgresStore(db, cfg.Postgres.TxRetries, metrics, component("docstore"))
	processed := persistence.NewProcessedChecker(db)

	// --- Idempotency tiers: LRU -> Redis (optional) -> Postgres ---
	var tiers []core.Tier
	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		redisTier := cache.NewProcessedStore(client, cfg.Redis.ProcessedTTL)
		healthChecker.AddProbe("redis", redisTier.Ping)
		tiers = append(tiers, core.Tier{Name: "redis", Checker: redisTier})
		logger.Info().Msg("Redis connected")
	}
	tiers = append(tiers, core.Tier{Name: "postgres", Checker: processed})
	idempotency := core.NewIdempotencyChecker(cfg.Idempotency.LRUCapacity, metrics, component("idempotency"), tiers...)

	if cfg.Idempotency.WarmKeys > 0 {
		keys, err := processed.RecentlyProcessed(ctx, cfg.Idempotency.WarmKeys)
		if err != nil {
			logger.Warn().Err(err).Msg("LRU warm-up skipped")
		} else {
			idempotency.Warm(keys)
			logger.Info().Int("keys", len(keys)).Msg("LRU warmed")
		}
	}

	// --- Channels ---
	// Outcome channel blocks (backpressure); notification channel drops when full
	outcomeChan := make(chan core.Outcome, cfg.OutcomeLog.ChanSize)
	notificationChan := make(chan state.Notification, cfg.Reconcile.NotificationBuffer)
	rawEventChan := make(chan ingestion.RawEvent, 1024)

	orch := core.NewOrchestrator(store, core.NewRegistry(), cfg.Core(), idempotency,
		outcomeChan, notificationChan, metrics, component("orchestrator"))

	// --- NATS ---
	natsLogger := component("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, metrics, natsLogger)
	if err := subscriber.Subscribe(ctx, ingestion.SubscriberConfig{
		Stream:     cfg.NATS.Stream,
		Subject:    cfg.NATS.Subject,
		Consumer:   cfg.NATS.Consumer,
		AckWait:    cfg.NATS.AckWait,
		MaxDeliver: cfg.NATS.MaxDeliver,
	}); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 16)

	// 1. Outcome log worker
	outcomeWorker := persistence.NewOutcomeWorker(db, outcomeChan, cfg.OutcomeLog.BatchSize, cfg.OutcomeLog.FlushTimeout, metrics, component("outcome-log"))
	go func() {
		errChan <- outcomeWorker.Run(ctx)
	}()

	// 2. Notification publisher
	publisher := ingestion.NewNotificationPublisher(js, notificationChan, metrics, component("publisher"))
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// 3. Raw events -> orchestrator
	consumer := ingestion.NewConsumer(rawEventChan, orch, metrics, component("consumer"))
	go func() {
		errChan <- consumer.Run(ctx)
	}()

	// 4. Websocket feeds
	for _, feed := range cfg.Websocket.Feeds {
		listener := ingestion.NewFeedListener(feed.URL, feed.Network, rawEventChan, component("websocket"))
		go func() {
			errChan <- listener.Run(ctx)
		}()
	}

	// 5. Auction finalizer
	go func() {
		errChan <- runFinalizer(ctx, orch, cfg.Finalizer, component("finalizer"))
	}()

	// 6. HTTP API
	httpServer := server.NewServer(cfg.HTTPAddr, &server.Deps{
		Query:         query.NewQueryService(store, outcomeWorker.Writer()),
		Reconciler:    orch,
		Finalizer:     orch,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        component("http"),
	})
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 7. Prometheus metrics server
	go func() {
		errChan <- serveMetrics(ctx, cfg.MetricsAddr, logger)
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("feeds", len(cfg.Websocket.Feeds)).
		Msg("reconciler ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		logger.Error().Err(err).Msg("component stopped, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()

	// The outcome worker flushes its last batch on cancellation; give it a moment
	time.Sleep(500 * time.Millisecond)
	return runErr
}

// runFinalizer closes auctions whose end has passed, every interval.
func runFinalizer(ctx context.Context, orch *core.Orchestrator, cfg config.FinalizerConfig, logger zerolog.Logger) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ids, err := orch.EndedAuctions(ctx, cfg.BatchSize)
		if err != nil {
			logger.Warn().Err(err).Msg("list ended auctions failed")
			continue
		}
		for _, id := range ids {
			if _, err := orch.FinalizeAuction(ctx, id); err != nil {
				logger.Error().Err(err).Str("auction", id).Msg("auction finalization failed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
