package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/cache"
	"github.com/redstone/orderflow/internal/config"
	"github.com/redstone/orderflow/internal/idempotency"
	"github.com/redstone/orderflow/internal/inventory"
	"github.com/redstone/orderflow/internal/outbox"
)

func main() {
	var cfg config.Inventory
	if err := config.Load(&cfg); err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	if err := migrate(ctx, db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	if cfg.SeedStock {
		if err := inventory.Seed(ctx, db); err != nil {
			log.Fatal("seed failed", zap.Error(err))
		}
	}

	redisStore := cache.NewRedis(cfg.RedisAddr)
	defer redisStore.Close()

	producer := bus.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	createdConsumer := bus.NewConsumer(cfg.KafkaBrokers, cfg.Topics.OrderCreated, cfg.GroupID)
	cancelledConsumer := bus.NewConsumer(cfg.KafkaBrokers, cfg.Topics.OrderCancelled, cfg.GroupID)
	defer createdConsumer.Close()
	defer cancelledConsumer.Close()

	repo := inventory.NewPostgresRepository(db)
	svc := inventory.NewService(log, repo, redisStore, inventory.ServiceConfig{
		CacheTTL:          cfg.CacheTTL,
		VersionRetries:    cfg.VersionRetries,
		ReservedTopic:     cfg.Topics.InventoryReserved,
		InsufficientTopic: cfg.Topics.InventoryInsufficient,
	})

	relay := &outbox.Relay{
		Log:         log.Named("outbox"),
		Queue:       outbox.NewStore(db),
		Publisher:   producer,
		Interval:    cfg.OutboxInterval,
		BatchSize:   50,
		MaxAttempts: cfg.OutboxAttempts,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           inventory.NewRouter(svc),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		r := &bus.Runner{
			Log:        log.Named("consumer"),
			Topic:      cfg.Topics.OrderCreated,
			Source:     createdConsumer,
			Publisher:  producer,
			Handle:     svc.HandleOrderCreated,
			MaxRetries: cfg.ConsumerRetries,
		}
		return r.Run(ctx)
	})
	g.Go(func() error {
		r := &bus.Runner{
			Log:        log.Named("consumer"),
			Topic:      cfg.Topics.OrderCancelled,
			Source:     cancelledConsumer,
			Publisher:  producer,
			Handle:     svc.HandleOrderCancelled,
			MaxRetries: cfg.ConsumerRetries,
		}
		return r.Run(ctx)
	})
	g.Go(func() error {
		log.Info("http server starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("service stopped")
}

func migrate(ctx context.Context, db *pgxpool.Pool) error {
	if err := inventory.Migrate(ctx, db); err != nil {
		return err
	}
	if err := idempotency.Migrate(ctx, db); err != nil {
		return err
	}
	return outbox.Migrate(ctx, db)
}
