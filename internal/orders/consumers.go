package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/consumelog"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

// Stager stages an outbound record inside the caller's transaction.
type Stager interface {
	Stage(ctx context.Context, tx pgx.Tx, bizKey, topic, tag string, payload any, traceID string) (string, error)
}

// Consumers holds the business half of every order-service subscription.
// Each handler runs behind a consume-log gate, so it only ever sees a
// delivery once per terminal decision.
type Consumers struct {
	Machine *Machine
	Store   Store
	Outbox  Stager
	Log     *zap.Logger
}

func NewConsumers(m *Machine, store Store, ob Stager, log *zap.Logger) *Consumers {
	return &Consumers{Machine: m, Store: store, Outbox: ob, Log: log}
}

func (c *Consumers) HandleStockReserved(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.StockReservedPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	return c.fire(ctx, env, p.OrderNo, EventStockReserved, "inventory")
}

func (c *Consumers) HandleStockReserveFailed(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.StockReserveFailedPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	return c.fire(ctx, env, p.OrderNo, EventStockReserveFailed, "inventory")
}

func (c *Consumers) HandlePaymentSucceeded(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.PaymentSucceededPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	res, err := c.fire(ctx, env, p.OrderNo, EventPaymentSucceeded, "payment")
	if err != nil || res.Ignored {
		return res, err
	}
	if err := c.Store.SetPayNo(ctx, p.OrderNo, p.PayNo); err != nil {
		return consumelog.Result{}, err
	}
	return res, nil
}

func (c *Consumers) HandleShipmentShipped(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.ShipmentShippedPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	return c.fire(ctx, env, p.OrderNo, EventShip, "shipment")
}

func (c *Consumers) HandleShipmentDelivered(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.ShipmentDeliveredPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	return c.fire(ctx, env, p.OrderNo, EventDeliver, "shipment")
}

// HandleAfterSaleRefunded picks the full or partial refund trigger by
// comparing the refunded amount to the order total.
func (c *Consumers) HandleAfterSaleRefunded(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.AfterSaleRefundedPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	ord, err := c.Store.FindByOrderNo(ctx, p.OrderNo)
	if err != nil {
		return consumelog.Result{}, err
	}
	if ord == nil {
		return consumelog.Result{}, fmt.Errorf("order %s not found for refund %s", p.OrderNo, p.AfterSaleNo)
	}
	ev := EventRefundPartial
	if p.RefundAmount >= ord.Amount {
		ev = EventRefundFull
	}
	return c.fire(ctx, env, p.OrderNo, ev, "aftersale")
}

// fire runs the state machine and, when the event applies, stages the fanout
// event in the same transaction as the status write.
func (c *Consumers) fire(ctx context.Context, env event.Envelope, orderNo string, ev Event, operator string) (consumelog.Result, error) {
	out, err := c.Machine.Fire(ctx, Trigger{
		OrderNo:  orderNo,
		Event:    ev,
		EventID:  env.MessageID,
		Operator: operator,
		TraceID:  env.TraceID,
		Stage: func(ctx context.Context, tx pgx.Tx, from, to Status) error {
			_, err := c.Outbox.Stage(ctx, tx, orderNo,
				event.TopicOrderStatusChanged, event.TypeOrderStatusChanged,
				event.OrderStatusChangedPayload{
					OrderNo: orderNo,
					From:    string(from),
					To:      string(to),
					Event:   string(ev),
				}, env.TraceID)
			return err
		},
	})
	if err != nil {
		return consumelog.Result{}, err
	}

	switch out.Kind {
	case OutcomeApplied:
		return consumelog.Applied(fmt.Sprintf("%s -> %s", out.From, out.To)), nil
	case OutcomeDuplicate:
		return consumelog.Ignored("duplicate", out.Reason), nil
	default:
		return consumelog.Ignored("out_of_order", out.Reason), nil
	}
}
