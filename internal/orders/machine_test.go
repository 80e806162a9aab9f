package orders

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
)

// fakeStore keeps orders in memory and lets tests inject one lost CAS to
// simulate a concurrent writer.
type fakeStore struct {
	orders map[string]*Order
	items  map[string][]OrderItem
	flows  []StateFlow

	// when set, the next ApplyTransition loses its CAS and runs this hook
	// (the concurrent winner) instead.
	conflictOnce func()
	stageCalls   int
}

func newFakeStore(orders ...*Order) *fakeStore {
	s := &fakeStore{orders: map[string]*Order{}, items: map[string][]OrderItem{}}
	for _, o := range orders {
		s.orders[o.OrderNo] = o
	}
	return s
}

func (s *fakeStore) FindByOrderNo(_ context.Context, orderNo string) (*Order, error) {
	o, ok := s.orders[orderNo]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) FindByClientRequest(_ context.Context, userID int64, crid string) (*Order, error) {
	for _, o := range s.orders {
		if o.UserID == userID && o.ClientRequestID == crid {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindItems(_ context.Context, orderNo string) ([]OrderItem, error) {
	return s.items[orderNo], nil
}

func (s *fakeStore) Create(ctx context.Context, ord *Order, items []OrderItem, stage StageFunc) error {
	for _, o := range s.orders {
		if o.UserID == ord.UserID && o.ClientRequestID == ord.ClientRequestID {
			return ErrDuplicateRequest
		}
	}
	ord.Version = 1
	cp := *ord
	s.orders[ord.OrderNo] = &cp
	s.items[ord.OrderNo] = items
	if stage != nil {
		s.stageCalls++
		if err := stage(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) ApplyTransition(ctx context.Context, orderNo string, from, to Status, flow StateFlow, stage StageFunc) (bool, error) {
	if s.conflictOnce != nil {
		winner := s.conflictOnce
		s.conflictOnce = nil
		winner()
		return false, nil
	}
	o, ok := s.orders[orderNo]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.Version++
	s.flows = append(s.flows, flow)
	if stage != nil {
		s.stageCalls++
		if err := stage(ctx, nil); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *fakeStore) SaveIgnoredFlow(_ context.Context, flow StateFlow) error {
	s.flows = append(s.flows, flow)
	return nil
}

func (s *fakeStore) SetPayNo(_ context.Context, orderNo, payNo string) error {
	if o, ok := s.orders[orderNo]; ok {
		o.PayNo = payNo
	}
	return nil
}

func testMachine(store Store) *Machine {
	return NewMachine(store, zap.NewNop())
}

func TestFireApplied(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusCreated, Version: 1})
	m := testMachine(store)

	var gotFrom, gotTo Status
	out, err := m.Fire(context.Background(), Trigger{
		OrderNo: "O1",
		Event:   EventStockReserved,
		EventID: "ev-1",
		Stage: func(_ context.Context, _ pgx.Tx, from, to Status) error {
			gotFrom, gotTo = from, to
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	assert.Equal(t, StatusCreated, out.From)
	assert.Equal(t, StatusStockReserved, out.To)
	assert.Equal(t, StatusCreated, gotFrom)
	assert.Equal(t, StatusStockReserved, gotTo)

	assert.Equal(t, StatusStockReserved, store.orders["O1"].Status)
	assert.Equal(t, int64(2), store.orders["O1"].Version)
	require.Len(t, store.flows, 1)
	assert.Equal(t, "ev-1", store.flows[0].EventID)
	assert.Equal(t, 1, store.stageCalls)
}

func TestFireDuplicateAtTarget(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusStockReserved, Version: 2})
	out, err := testMachine(store).Fire(context.Background(), Trigger{
		OrderNo: "O1", Event: EventStockReserved, EventID: "ev-dup",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Kind)
	assert.Empty(t, store.flows, "duplicate writes nothing")
	assert.Equal(t, int64(2), store.orders["O1"].Version)
}

func TestFireOutOfOrderRecordsNoopFlow(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusCreated, Version: 1})
	out, err := testMachine(store).Fire(context.Background(), Trigger{
		OrderNo: "O1", Event: EventDeliver, EventID: "ev-late",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutOfOrder, out.Kind)
	assert.Equal(t, StatusCreated, store.orders["O1"].Status)
	require.Len(t, store.flows, 1)
	assert.Equal(t, StatusCreated, store.flows[0].FromStatus)
	assert.Equal(t, StatusCreated, store.flows[0].ToStatus)
	assert.NotEmpty(t, store.flows[0].Remark)
}

func TestFireLostCASToSameEvent(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusCreated, Version: 1})
	store.conflictOnce = func() {
		store.orders["O1"].Status = StatusStockReserved
		store.orders["O1"].Version++
	}
	out, err := testMachine(store).Fire(context.Background(), Trigger{
		OrderNo: "O1", Event: EventStockReserved, EventID: "ev-race",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Kind)
	assert.Empty(t, store.flows)
}

func TestFireLostCASToOtherEvent(t *testing.T) {
	store := newFakeStore(&Order{OrderNo: "O1", Status: StatusCreated, Version: 1})
	store.conflictOnce = func() {
		store.orders["O1"].Status = StatusCanceled
		store.orders["O1"].Version++
	}
	out, err := testMachine(store).Fire(context.Background(), Trigger{
		OrderNo: "O1", Event: EventStockReserved, EventID: "ev-race",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutOfOrder, out.Kind)
	require.Len(t, store.flows, 1)
	assert.Equal(t, StatusCanceled, store.flows[0].FromStatus)
}

func TestFireUnknownOrder(t *testing.T) {
	store := newFakeStore()
	_, err := testMachine(store).Fire(context.Background(), Trigger{
		OrderNo: "missing", Event: EventStockReserved,
	})
	require.Error(t, err)
	assert.Equal(t, bizerr.CodeNotFound, bizerr.CodeOf(err))
}
