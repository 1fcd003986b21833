package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/config"
	"github.com/redstone/orderflow/internal/idempotency"
	"github.com/redstone/orderflow/internal/notify"
)

func main() {
	var cfg config.Notification
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

	if err := idempotency.Migrate(ctx, db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	producer := bus.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	confirmedConsumer := bus.NewConsumer(cfg.KafkaBrokers, cfg.Topics.OrderConfirmed, cfg.GroupID)
	cancelledConsumer := bus.NewConsumer(cfg.KafkaBrokers, cfg.Topics.OrderCancelled, cfg.GroupID)
	defer confirmedConsumer.Close()
	defer cancelledConsumer.Close()

	dispatcher := notify.NewDispatcher(log, idempotency.NewPostgres(db))

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range []struct {
		name   string
		source *bus.Consumer
	}{
		{cfg.Topics.OrderConfirmed, confirmedConsumer},
		{cfg.Topics.OrderCancelled, cancelledConsumer},
	} {
		topic := topic
		g.Go(func() error {
			runner := &bus.Runner{
				Log:        log.Named("consumer"),
				Topic:      topic.name,
				Source:     topic.source,
				Publisher:  producer,
				Handle:     dispatcher.Handle,
				MaxRetries: cfg.ConsumerRetries,
			}
			return runner.Run(ctx)
		})
	}
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
