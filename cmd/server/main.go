package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tn604/stock-mirror/internal/adapter/gateway"
	"github.com/tn604/stock-mirror/internal/adapter/handler"
	"github.com/tn604/stock-mirror/internal/adapter/storage"
	"github.com/tn604/stock-mirror/internal/core/service"
)

func main() {
	cfg := loadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.slogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MySQL holds the listing state machine.
	db, err := sql.Open("mysql", cfg.mysqlDSN)
	if err != nil {
		logger.Error("failed to open mysql", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
	defer bootCancel()

	if err := db.PingContext(bootCtx); err != nil {
		logger.Error("failed to ping mysql", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to mysql")

	listings := storage.NewMySQLListingStore(db)
	if err := listings.Migrate(bootCtx); err != nil {
		logger.Error("failed to migrate listing schema", "error", err)
		os.Exit(1)
	}

	// Redis carries the delivery dedup set, placement reservations, parked
	// events and operator alerts.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.redisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(bootCtx).Err(); err != nil {
		logger.Error("failed to connect redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")
	guards := storage.NewRedisGuardStore(rdb)

	storefront := gateway.NewStorefrontHTTP(gateway.StorefrontConfig{
		BaseURL: cfg.storefrontBaseURL,
		Token:   cfg.storefrontToken,
		Logger:  logger,
	})
	marketplace := gateway.NewMarketplaceHTTP(gateway.MarketplaceConfig{
		BaseURL:         cfg.marketplaceBaseURL,
		Token:           cfg.marketplaceToken,
		BreakerCooldown: cfg.breakerCooldown,
		Logger:          logger,
	})

	placement := service.NewPlacementWorkflow(listings, marketplace, guards, cfg.priceDriftPct, logger)
	engine := service.NewEngine(listings, storefront, placement, guards, cfg.storefrontLocationID, logger)

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Workers:   cfg.workers,
		QueueSize: cfg.queueSize,
	}, engine, guards, logger)

	// Workers keep a live context through the shutdown drain; per-call
	// deadlines come from the gateway HTTP clients.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	dispatcher.Start(workCtx)

	poller := service.NewPoller(service.PollerConfig{
		PendingInterval: cfg.pendingInterval,
		OrdersInterval:  cfg.ordersInterval,
		ActiveInterval:  cfg.activeInterval,
	}, listings, marketplace, dispatcher, logger)

	webhooks := handler.NewWebhookHandler(cfg.webhookSecret, listings, guards, dispatcher, logger)
	ops := handler.NewOpsHandler(guards, marketplace)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", ops.HealthCheck)
	mux.HandleFunc("/webhooks/storefront/orders-paid", webhooks.OrderPaid)
	mux.HandleFunc("/webhooks/storefront/orders-cancelled", webhooks.OrderCancelled)
	mux.HandleFunc("/ops/parked", ops.ParkedEvents)

	httpServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.httpAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited with error", "error", err)
	}
	logger.Info("poller and http server stopped")

	// Webhook intake is closed and the poller has stopped. Drain whatever is
	// still queued before dropping the backing connections.
	dispatcher.Close()

	if err := rdb.Close(); err != nil {
		logger.Warn("failed to close redis", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Warn("failed to close mysql", "error", err)
	}
	logger.Info("shutdown complete")
}
