package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/config"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/consumelog"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/httpx"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/inventory"
	kafkax "github.com/Zdanquxunhuan/ymall-claude-sub000/internal/kafka"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/logx"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/outbox"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/postgres"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load("inventory-service")
	log := logx.New(cfg.ServiceName)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	producer := kafkax.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	repo := inventory.NewPGRepo(db)
	cache := inventory.NewRedisCache(rdb)
	svc := inventory.NewService(repo, cache, cfg.ReservationTTL, log)
	obStore := outbox.NewPGStore(db, cfg.RelayMaxAttempts)
	clogStore := consumelog.NewPGStore(db)
	consumers := inventory.NewConsumers(svc, obStore, log)

	relay := outbox.NewRelay(obStore, producer, cfg.ServiceName,
		cfg.RelayBatchSize, cfg.RelayPollInterval, cfg.RelayBaseRetry, cfg.RelayMaxRetry, log)
	reaper := inventory.NewReaper(repo, cache, cfg.ReaperInterval, cfg.ReaperBatchSize, log)
	reconciler := inventory.NewReconciler(repo, cache, cfg.ReconcileInterval, 200, log)

	mux := httpx.NewRouter()
	httpx.NewInventoryHandler(svc, log).Mount(mux)

	group := cfg.ServiceName
	subs := []struct {
		topic string
		fn    consumelog.EventHandler
	}{
		{event.TopicOrderCreated, consumers.HandleOrderCreated},
		{event.TopicOrderCanceled, consumers.HandleOrderCanceled},
		{event.TopicPaymentSucceeded, consumers.HandlePaymentSucceeded},
		{event.TopicAfterSaleRefunded, consumers.HandleAfterSaleRefunded},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpx.NewServer(cfg.HTTPAddr, mux, log).Run(ctx)
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		return reaper.Run(ctx)
	})
	g.Go(func() error {
		return reconciler.Run(ctx)
	})
	for _, sub := range subs {
		gate := consumelog.NewGate(clogStore, group, sub.topic, cfg.MaxAttempts, log)
		consumer := kafkax.NewConsumer(cfg.KafkaBrokers, group, sub.topic, cfg.ConsumerWorkers, log)
		h := gate.Wrap(sub.fn)
		g.Go(func() error {
			return consumer.Start(ctx, h)
		})
	}

	log.Info("inventory service up", zap.String("httpAddr", cfg.HTTPAddr))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal("service failed", zap.Error(err))
	}
	log.Info("inventory service stopped")
}
