package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/api/rest"
	"github.com/virtualsim/activation-backend/internal/domain/outbox"
	"github.com/virtualsim/activation-backend/internal/infrastructure/cache"
	"github.com/virtualsim/activation-backend/internal/infrastructure/config"
	"github.com/virtualsim/activation-backend/internal/infrastructure/database"
	"github.com/virtualsim/activation-backend/internal/infrastructure/events"
	"github.com/virtualsim/activation-backend/internal/infrastructure/repository"
	"github.com/virtualsim/activation-backend/internal/infrastructure/telemetry"
	"github.com/virtualsim/activation-backend/internal/metrics"
	"github.com/virtualsim/activation-backend/internal/service/activation"
	"github.com/virtualsim/activation-backend/internal/service/catalog"
	"github.com/virtualsim/activation-backend/internal/service/health"
	"github.com/virtualsim/activation-backend/internal/service/orchestrator"
	"github.com/virtualsim/activation-backend/internal/service/provideradapter"
	"github.com/virtualsim/activation-backend/internal/service/purchase"
	"github.com/virtualsim/activation-backend/internal/service/routing"
	"github.com/virtualsim/activation-backend/internal/service/wallet"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting activation backend",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"port", cfg.Server.Port)

	zlog, err := buildZapLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	pool, err := database.NewConnectionPool(&cfg.Database, zlog)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(&cfg.Redis, zlog)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// The meter provider must be installed before any instrument is built,
	// or the domain metrics silently bind to the no-op global.
	meterProvider, err := telemetry.SetupMetrics(nil)
	if err != nil {
		return err
	}
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()

	reg, err := metrics.NewRegistry("activation-backend")
	if err != nil {
		return err
	}

	// Persistence
	providerRepo := repository.NewProviderRepository(pool.Pool())
	walletRepo := repository.NewWalletRepository(pool.Pool())
	activationRepo := repository.NewActivationRepository(pool.Pool())
	smsRepo := repository.NewSmsRepository(pool.Pool())
	outboxRepo := repository.NewOutboxRepository(pool.Pool())
	healthLogRepo := repository.NewHealthLogRepository(pool.Pool())
	offerRepo := repository.NewOfferRepository(pool.Pool())

	// Shared caches
	sampleStore := cache.NewRedisSampleStore(redisClient, zlog, cfg.Health.LogRetention)
	pollWindow := cache.NewRedisSlidingWindow(redisClient, zlog)
	kvCache := cache.NewRedisCache(redisClient, zlog)

	// Lifecycle event fan-out
	publisher := events.NewPublisher(zlog)
	defer publisher.Close()
	publisher.Subscribe(&events.LogSink{Logger: zlog})
	publisher.Subscribe(events.NewOutboxSink(outboxRepo, zlog))

	// Provider plumbing
	tracker := health.NewTracker(sampleStore, healthLogRepo, zlog, reg, health.Config{
		WindowSize:           cfg.Health.WindowSize,
		MinSamples:           cfg.Health.MinSamples,
		FailureRateThreshold: cfg.Health.FailureRateThreshold,
		Cooldown:             cfg.Health.Cooldown,
		ProbeTimeout:         cfg.Health.ProbeTimeout,
	})
	adapter := provideradapter.NewAdapter(zlog, tracker, reg,
		provideradapter.WithCallTimeout(cfg.Providers.CallTimeout),
		provideradapter.WithMaxBodyLog(cfg.Providers.MaxResponseBodyLog))

	// Services
	router := routing.NewService(providerRepo, offerRepo, tracker, zlog, reg)
	ledger := wallet.NewLedger(pool, walletRepo, zlog, reg)
	activations := activation.NewService(activationRepo, smsRepo, ledger, publisher,
		providerRepo, adapter, zlog, reg, cfg.Purchase.RentalWindow)
	purchases := purchase.NewService(router, ledger, activations, adapter,
		outboxRepo, zlog, reg, cfg.Purchase.Currency)
	catalogSvc := catalog.NewService(providerRepo, offerRepo, adapter, zlog)

	// Background worker
	worker := orchestrator.NewWorker(cfg.Orchestrator,
		cfg.Purchase.RentalWindow, cfg.Health.LogRetention,
		activations, providerRepo, adapter, outboxRepo, ledger, healthLogRepo,
		pollWindow, zlog, reg)

	notifier := events.NewWebhookNotifier(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout, zlog)
	worker.Handle(outbox.KindNotification, func(ctx context.Context, e *outbox.Entry) error {
		return notifier.Deliver(ctx, e.Payload)
	})
	worker.Handle(outbox.KindOrderIndexSync, func(ctx context.Context, e *outbox.Entry) error {
		// Orders land in the shared cache for the storefront's lookups.
		return kvCache.Set(ctx, "orders:"+e.ReferenceID.String(), string(e.Payload), 24*time.Hour)
	})
	worker.Handle(outbox.KindCatalogRefresh, func(ctx context.Context, e *outbox.Entry) error {
		return catalogSvc.RefreshProvider(ctx, e.ReferenceID)
	})

	// HTTP surface
	handlers := rest.NewHandlers(purchases, activations, ledger, providerRepo,
		adapter, catalogSvc, cfg.Purchase.Currency,
		pingerFunc(func(ctx context.Context) error { return pool.Pool().Ping(ctx) }),
		pingerFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
	)
	server := rest.NewServer(cfg.Server, handlers, logger, reg)

	errCh := make(chan error, 2)
	go func() { errCh <- worker.Run(ctx) }()
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildZapLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
