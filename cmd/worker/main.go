package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Domenick1991/staybook/config"
	"github.com/Domenick1991/staybook/internal/cache"
	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/email"
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
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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

	redisCache := cache.NewRedisCache(cfg.Redis, time.Duration(cfg.Booking.ListingsCacheTTL)*time.Second)
	defer redisCache.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, zl)
	defer producer.Close()
	events := kafka.NewLifecyclePublisher(producer, cfg.Kafka.BookingEventsTopic, cfg.Kafka.NotificationsTopic, cfg.Kafka.NotifyAttempts)

	bookingRepo := repository.NewBookingRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	listingService := listings.NewListingService(repository.NewListingRepository(pool), redisCache, zl)

	gateway := stripepay.NewGateway(cfg.Payments.StripeSecretKey, zl,
		stripepay.WithRequestsPerSecond(cfg.Payments.RequestsPerSecond),
	)
	orchestrator := payment.NewOrchestrator(paymentRepo, gateway, payment.RetryPolicy{
		MaxAttempts: cfg.Payments.MaxAttempts,
		Base:        time.Duration(cfg.Payments.RetryBaseMillis) * time.Millisecond,
		Max:         time.Duration(cfg.Payments.RetryMaxMillis) * time.Millisecond,
		Timeout:     cfg.Payments.ProviderTimeout(),
	}, zl)
	holds := hold.NewManager(bookingRepo, redisCache, events, cfg.Booking.HoldTTL(), zl,
		hold.WithCASRetries(cfg.Booking.CASRetries),
		hold.WithVoider(orchestrator),
		hold.WithBatchSize(cfg.Worker.SweepBatchSize),
	)
	bookingService := booking.NewBookingService(bookingRepo, pricing.NewQuoter(listingService), holds, orchestrator, events, zl,
		booking.WithCASRetries(cfg.Booking.CASRetries),
		booking.WithBatchSize(cfg.Worker.SweepBatchSize),
	)

	sweepEvery := time.Duration(cfg.Worker.ExpirationSweepSeconds) * time.Second
	reconcileAfter := time.Duration(cfg.Worker.ReconcileAfterMinutes) * time.Minute

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic, zl)
	defer consumer.Close()
	emailSender := email.NewSender(zl)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hold.NewSweeper("hold-expiry", holds.Sweep, sweepEvery, zl).Run(gctx)
	})
	g.Go(func() error {
		return hold.NewSweeper("completion", bookingService.Complete, sweepEvery, zl).Run(gctx)
	})
	g.Go(func() error {
		reconcile := func(ctx context.Context, _ time.Time) ([]domain.Booking, error) {
			n, err := bookingService.ReconcileStalePayments(ctx, reconcileAfter)
			if n > 0 {
				zl.Info("stale payments reconciled", zap.Int("count", n))
			}
			return nil, err
		}
		return hold.NewSweeper("payment-reconcile", reconcile, reconcileAfter, zl).Run(gctx)
	})
	g.Go(func() error {
		srv := tasks.NewServer(cfg.Redis, cfg.Worker.Concurrency, zl)
		return tasks.RunServer(gctx, srv, tasks.NewServeMux(holds, zl))
	})
	g.Go(func() error {
		return consumer.Consume(gctx, kafka.BookingEventHandler(zl, emailSender.Send))
	})

	zl.Info("worker started", zap.Duration("sweep_every", sweepEvery))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		zl.Fatal("worker stopped", zap.Error(err))
	}
	zl.Info("worker stopped")
}
