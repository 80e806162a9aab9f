package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

type stagedEvent struct {
	bizKey, topic, tag string
	payload            any
}

type fakeStager struct {
	staged []stagedEvent
}

func (f *fakeStager) Stage(_ context.Context, _ pgx.Tx, bizKey, topic, tag string, payload any, _ string) (string, error) {
	f.staged = append(f.staged, stagedEvent{bizKey: bizKey, topic: topic, tag: tag, payload: payload})
	return "staged-id", nil
}

func newTestConsumers(repo *fakeRepo, cache *fakeCache) (*Consumers, *fakeStager) {
	ob := &fakeStager{}
	svc := NewService(repo, cache, 30*time.Minute, zap.NewNop())
	return NewConsumers(svc, ob, zap.NewNop()), ob
}

func TestHandleOrderCreatedStagesReserved(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCounters(1, 100, 10)
	cache := newFakeCache()
	cache.stock[counterKey(1, 100)] = 10
	c, ob := newTestConsumers(repo, cache)

	env := event.New(event.TypeOrderCreated, "O1", "t-1", "order-svc",
		event.OrderCreatedPayload{OrderNo: "O1", UserID: 7, Amount: 500, Items: items(3)})
	res, err := c.HandleOrderCreated(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	require.Len(t, ob.staged, 1)
	assert.Equal(t, event.TopicStockReserved, ob.staged[0].topic)
	assert.Equal(t, "O1", ob.staged[0].bizKey)
	assert.Equal(t, int64(7), repo.counters[counterKey(1, 100)].Available)
}

func TestHandleOrderCreatedStagesFailureOnShortfall(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCounters(1, 100, 1)
	cache := newFakeCache()
	cache.stock[counterKey(1, 100)] = 1
	c, ob := newTestConsumers(repo, cache)

	env := event.New(event.TypeOrderCreated, "O1", "t-1", "order-svc",
		event.OrderCreatedPayload{OrderNo: "O1", UserID: 7, Amount: 500, Items: items(3)})
	res, err := c.HandleOrderCreated(context.Background(), env)
	require.NoError(t, err, "shortfall is a business outcome, not a retryable error")
	assert.False(t, res.Ignored)

	require.Len(t, ob.staged, 1)
	assert.Equal(t, event.TopicStockReserveFailed, ob.staged[0].topic)
	p := ob.staged[0].payload.(event.StockReserveFailedPayload)
	assert.Equal(t, "INSUFFICIENT_STOCK", p.ErrorCode)
	assert.Equal(t, int64(1), cache.stock[counterKey(1, 100)], "nothing held back")
}

func TestHandleOrderCanceledReleases(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCounters(1, 100, 10)
	cache := newFakeCache()
	cache.stock[counterKey(1, 100)] = 10
	c, _ := newTestConsumers(repo, cache)

	created := event.New(event.TypeOrderCreated, "O1", "t-1", "order-svc",
		event.OrderCreatedPayload{OrderNo: "O1", UserID: 7, Amount: 500, Items: items(4)})
	_, err := c.HandleOrderCreated(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cache.stock[counterKey(1, 100)])

	canceled := event.New(event.TypeOrderCanceled, "O1", "t-2", "order-svc",
		event.OrderCanceledPayload{OrderNo: "O1", UserID: 7})
	res, err := c.HandleOrderCanceled(context.Background(), canceled)
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.Equal(t, int64(10), cache.stock[counterKey(1, 100)])
	assert.Equal(t, int64(10), repo.counters[counterKey(1, 100)].Available)
}

func TestHandlePaymentSucceededConfirms(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCounters(1, 100, 10)
	cache := newFakeCache()
	cache.stock[counterKey(1, 100)] = 10
	c, _ := newTestConsumers(repo, cache)

	created := event.New(event.TypeOrderCreated, "O1", "t-1", "order-svc",
		event.OrderCreatedPayload{OrderNo: "O1", UserID: 7, Amount: 500, Items: items(2)})
	_, err := c.HandleOrderCreated(context.Background(), created)
	require.NoError(t, err)

	paid := event.New(event.TypePaymentSucceeded, "O1", "t-2", "payment-svc",
		event.PaymentSucceededPayload{OrderNo: "O1", PayNo: "P1", Amount: 500})
	res, err := c.HandlePaymentSucceeded(context.Background(), paid)
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	assert.Equal(t, ReservationConfirmed, repo.reservations[resKey("O1", 1, 100)].Status)
	assert.Equal(t, int64(0), repo.counters[counterKey(1, 100)].Reserved)
}
