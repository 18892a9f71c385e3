package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/egannguyen/storefront/internal/config"
	"github.com/egannguyen/storefront/internal/delivery/consumer"
	httpdelivery "github.com/egannguyen/storefront/internal/delivery/http"
	"github.com/egannguyen/storefront/internal/dispatch"
	"github.com/egannguyen/storefront/internal/dispatch/deliverylog"
	"github.com/egannguyen/storefront/internal/dispatch/deliverylog/sqlite"
	"github.com/egannguyen/storefront/internal/idempotency"
	"github.com/egannguyen/storefront/internal/invoice"
	"github.com/egannguyen/storefront/internal/messaging"
	"github.com/egannguyen/storefront/internal/messaging/kafka"
	"github.com/egannguyen/storefront/internal/repository"
	"github.com/egannguyen/storefront/internal/repository/memory"
	"github.com/egannguyen/storefront/internal/repository/postgres"
	"github.com/egannguyen/storefront/internal/service"
	"github.com/egannguyen/storefront/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

const serviceName = "storefront"

func main() {
	if err := run(); err != nil {
		slog.Error("Service stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := telemetry.InitLogger(os.Stdout, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		if err := shutdownTracer(flushCtx); err != nil {
			slog.Error("Failed to flush traces", "err", err)
		}
	}()

	// --- Storage ---
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.SeedCatalog {
		if err := seedCatalog(ctx, store); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
	}

	// --- Messaging ---
	var (
		publisher  messaging.Publisher = messaging.NewLogPublisher(logger)
		subscriber messaging.Subscriber
	)
	if len(cfg.KafkaBrokers) > 0 {
		broker := kafka.NewKafkaBroker(cfg.KafkaBrokers)
		defer func() {
			if err := broker.Close(); err != nil {
				slog.Error("Failed to close kafka writers", "err", err)
			}
		}()
		publisher, subscriber = broker, broker
	} else {
		slog.Warn("No kafka brokers configured, notifications go to the log")
	}

	var deliveries deliverylog.Repository
	if cfg.DeliveryLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DeliveryLogPath), 0o755); err != nil {
			return fmt.Errorf("failed to create delivery log dir: %w", err)
		}
		repo, err := sqlite.Open(cfg.DeliveryLogPath)
		if err != nil {
			return err
		}
		defer repo.Close()
		deliveries = repo
	}

	// --- Services ---
	renderer, err := invoice.NewFileRenderer(cfg.InvoiceDir)
	if err != nil {
		return err
	}
	invoiceSvc := service.NewInvoiceService(store, renderer)

	dispatcher, err := dispatch.New(dispatch.Config{
		MaxRetries: cfg.DispatchMaxRetries,
		Logger:     logger,
	}, publisher, invoiceSvc, deliveries)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	orderSvc := service.NewOrderService(store, dispatcher, cfg.POSFlatTaxRate)
	statusSvc := service.NewStatusService(store, dispatcher)
	stockSvc := service.NewStockService(store, dispatcher)

	idem, closeIdem, err := openIdempotency(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIdem()

	// --- Start everything ---
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			slog.Error("Dispatcher stopped", "err", err)
			cancel()
		}
	}()
	select {
	case <-dispatcher.Running():
	case <-ctx.Done():
		return ctx.Err()
	}
	slog.Info("🔄 Event dispatcher running")

	if subscriber != nil {
		go consumer.NewPaymentHandler(statusSvc).Run(ctx, subscriber, cfg.PaymentTopic)
	}

	handler := httpdelivery.NewHandler(orderSvc, statusSvc, invoiceSvc, stockSvc, idem)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("🚀 HTTP server starting", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "err", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		slog.Warn("Using the in-memory store, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}
	db, err := postgres.InitDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStore(db), func() { db.Close() }, nil
}

func openIdempotency(ctx context.Context, cfg *config.Config) (idempotency.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return idempotency.NewRedisStore(client, cfg.IdempotencyTTL), func() { client.Close() }, nil
}
