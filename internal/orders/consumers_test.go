package orders

import (
	"context"
	"testing"

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

func newTestConsumers(store *fakeStore) (*Consumers, *fakeStager) {
	ob := &fakeStager{}
	return NewConsumers(testMachine(store), store, ob, zap.NewNop()), ob
}

func TestHandleStockReservedApplies(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusCreated, Version: 1})
	c, ob := newTestConsumers(store)

	env := event.New(event.TypeStockReserved, "O1", "t-1", "inventory-svc",
		event.StockReservedPayload{OrderNo: "O1"})
	res, err := c.HandleStockReserved(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	assert.Equal(t, StatusStockReserved, store.orders["O1"].Status)
	require.Len(t, ob.staged, 1)
	assert.Equal(t, event.TopicOrderStatusChanged, ob.staged[0].topic)
	p := ob.staged[0].payload.(event.OrderStatusChangedPayload)
	assert.Equal(t, string(StatusCreated), p.From)
	assert.Equal(t, string(StatusStockReserved), p.To)
}

func TestHandlePaymentSucceededSetsPayNo(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusStockReserved, Version: 2})
	c, _ := newTestConsumers(store)

	env := event.New(event.TypePaymentSucceeded, "O1", "t-1", "payment-svc",
		event.PaymentSucceededPayload{OrderNo: "O1", PayNo: "P900", Amount: 1000})
	res, err := c.HandlePaymentSucceeded(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.Equal(t, StatusPaid, store.orders["O1"].Status)
	assert.Equal(t, "P900", store.orders["O1"].PayNo)
}

func TestHandlePaymentSucceededDuplicateSkipsPayNo(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusPaid, Version: 3, PayNo: "P900"})
	c, _ := newTestConsumers(store)

	env := event.New(event.TypePaymentSucceeded, "O1", "t-1", "payment-svc",
		event.PaymentSucceededPayload{OrderNo: "O1", PayNo: "P901", Amount: 1000})
	res, err := c.HandlePaymentSucceeded(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, "duplicate", res.Reason)
	assert.Equal(t, "P900", store.orders["O1"].PayNo, "duplicate must not overwrite")
}

func TestHandleStockReservedOutOfOrder(t *testing.T) {
	// Reservation arrives after payment already moved the order on.
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusPaid, Version: 3})
	c, ob := newTestConsumers(store)

	env := event.New(event.TypeStockReserved, "O1", "t-1", "inventory-svc",
		event.StockReservedPayload{OrderNo: "O1"})
	res, err := c.HandleStockReserved(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, "out_of_order", res.Reason)
	assert.Equal(t, StatusPaid, store.orders["O1"].Status)
	assert.Empty(t, ob.staged)
	require.Len(t, store.flows, 1)
	assert.Equal(t, store.flows[0].FromStatus, store.flows[0].ToStatus)
}

func TestHandleAfterSaleRefundedFullAndPartial(t *testing.T) {
	store := newFakeStore(
		&Order{OrderNo: "O1", Status: StatusPaid, Amount: 1000, Version: 3},
		&Order{OrderNo: "O2", Status: StatusPaid, Amount: 1000, Version: 3},
	)
	c, _ := newTestConsumers(store)

	full := event.New(event.TypeAfterSaleRefunded, "O1", "t-1", "aftersale-svc",
		event.AfterSaleRefundedPayload{OrderNo: "O1", AfterSaleNo: "AS1", RefundAmount: 1000})
	res, err := c.HandleAfterSaleRefunded(context.Background(), full)
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.Equal(t, StatusRefunded, store.orders["O1"].Status)

	partial := event.New(event.TypeAfterSaleRefunded, "O2", "t-2", "aftersale-svc",
		event.AfterSaleRefundedPayload{OrderNo: "O2", AfterSaleNo: "AS2", RefundAmount: 400})
	res, err = c.HandleAfterSaleRefunded(context.Background(), partial)
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.Equal(t, StatusPartialRefunded, store.orders["O2"].Status)
}

func TestHandleBadPayloadIgnored(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestConsumers(store)

	env := event.New(event.TypeStockReserved, "O1", "t-1", "inventory-svc", nil)
	env.Payload = []byte(`{"order_no": 42}`)
	res, err := c.HandleStockReserved(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, "bad_payload", res.Reason)
}
