package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Domenick1991/staybook/config"
	"github.com/Domenick1991/staybook/internal/bootstrap"
	"github.com/Domenick1991/staybook/internal/cache"
	"github.com/Domenick1991/staybook/internal/gateway/stripepay"
	"github.com/Domenick1991/staybook/internal/kafka"
	"github.com/Domenick1991/staybook/internal/logger"
	"github.com/Domenick1991/staybook/internal/repository"
	"github.com/Domenick1991/staybook/internal/service/booking"
	"github.com/Domenick1991/staybook/internal/service/hold"
	"github.com/Domenick1991/staybook/internal/service/listings"
	"github.com/Domenick1991/staybook/internal/service/payment"
	"github.com/Domenick1991/staybook/internal/service/pricing"
	"github.com/Domenick1991/staybook/internal/tasks"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		zl.Fatal("apply schema", zap.Error(err))
	}

	redisCache := cache.NewRedisCache(cfg.Redis, time.Duration(cfg.Booking.ListingsCacheTTL)*time.Second)
	defer redisCache.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, zl)
	defer producer.Close()
	if err := producer.CheckConnection(ctx); err != nil {
		zl.Warn("kafka unreachable, lifecycle events will be retried per message", zap.Error(err))
	}
	events := kafka.NewLifecyclePublisher(producer, cfg.Kafka.BookingEventsTopic, cfg.Kafka.NotificationsTopic, cfg.Kafka.NotifyAttempts)

	taskClient := asynq.NewClient(tasks.RedisOpt(cfg.Redis))
	defer taskClient.Close()

	listingRepo := repository.NewListingRepository(pool)
	bookingRepo := repository.NewBookingRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)

	listingService := listings.NewListingService(listingRepo, redisCache, zl)
	quoter := pricing.NewQuoter(listingService)
	gateway := stripepay.NewGateway(cfg.Payments.StripeSecretKey, zl,
		stripepay.WithRequestsPerSecond(cfg.Payments.RequestsPerSecond),
	)
	orchestrator := payment.NewOrchestrator(paymentRepo, gateway, payment.RetryPolicy{
		MaxAttempts: cfg.Payments.MaxAttempts,
		Base:        time.Duration(cfg.Payments.RetryBaseMillis) * time.Millisecond,
		Max:         time.Duration(cfg.Payments.RetryMaxMillis) * time.Millisecond,
		Timeout:     cfg.Payments.ProviderTimeout(),
	}, zl, payment.WithCASRetries(cfg.Booking.CASRetries))
	holds := hold.NewManager(bookingRepo, redisCache, events, cfg.Booking.HoldTTL(), zl,
		hold.WithScheduler(tasks.NewScheduler(taskClient)),
		hold.WithCASRetries(cfg.Booking.CASRetries),
		hold.WithVoider(orchestrator),
	)
	bookingService := booking.NewBookingService(bookingRepo, quoter, holds, orchestrator, events, zl,
		booking.WithCASRetries(cfg.Booking.CASRetries),
	)

	webhooks := stripepay.NewWebhookParser(cfg.Payments.StripeWebhookSecret)

	if err := bootstrap.Run(ctx, cfg, listingService, bookingService, webhooks, zl); err != nil {
		zl.Fatal("server error", zap.Error(err))
	}
}
