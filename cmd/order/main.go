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
	kafkax "github.com/Zdanquxunhuan/ymall-claude-sub000/internal/kafka"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/logx"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/orders"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/outbox"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/postgres"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/pricing"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load("order-service")
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

	store := orders.NewPGStore(db)
	machine := orders.NewMachine(store, log)
	obStore := outbox.NewPGStore(db, cfg.RelayMaxAttempts)
	clogStore := consumelog.NewPGStore(db)
	consumers := orders.NewConsumers(machine, store, obStore, log)

	relay := outbox.NewRelay(obStore, producer, cfg.ServiceName,
		cfg.RelayBatchSize, cfg.RelayPollInterval, cfg.RelayBaseRetry, cfg.RelayMaxRetry, log)

	priceClient := pricing.NewHTTPClient(cfg.PricingBaseURL)
	handler := httpx.NewOrderHandler(store, machine, obStore, priceClient, rdb, log)
	mux := httpx.NewRouter()
	handler.Mount(mux)

	group := cfg.ServiceName
	subs := []struct {
		topic string
		fn    consumelog.EventHandler
	}{
		{event.TopicStockReserved, consumers.HandleStockReserved},
		{event.TopicStockReserveFailed, consumers.HandleStockReserveFailed},
		{event.TopicPaymentSucceeded, consumers.HandlePaymentSucceeded},
		{event.TopicShipmentShipped, consumers.HandleShipmentShipped},
		{event.TopicShipmentDelivered, consumers.HandleShipmentDelivered},
		{event.TopicAfterSaleRefunded, consumers.HandleAfterSaleRefunded},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpx.NewServer(cfg.HTTPAddr, mux, log).Run(ctx)
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	for _, sub := range subs {
		gate := consumelog.NewGate(clogStore, group, sub.topic, cfg.MaxAttempts, log)
		consumer := kafkax.NewConsumer(cfg.KafkaBrokers, group, sub.topic, cfg.ConsumerWorkers, log)
		h := gate.Wrap(sub.fn)
		g.Go(func() error {
			return consumer.Start(ctx, h)
		})
	}

	log.Info("order service up", zap.String("httpAddr", cfg.HTTPAddr))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal("service failed", zap.Error(err))
	}
	log.Info("order service stopped")
}
