package inventory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/consumelog"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

// Stager stages an outbound record inside the caller's transaction.
type Stager interface {
	Stage(ctx context.Context, tx pgx.Tx, bizKey, topic, tag string, payload any, traceID string) (string, error)
}

// Consumers holds the business half of every inventory-service subscription.
type Consumers struct {
	Svc    *Service
	Outbox Stager
	Log    *zap.Logger
}

func NewConsumers(svc *Service, ob Stager, log *zap.Logger) *Consumers {
	return &Consumers{Svc: svc, Outbox: ob, Log: log}
}

// HandleOrderCreated reserves stock for the new order. The success event is
// staged in the same transaction as the reservation rows; a definitive
// shortfall stages the failure event instead. Only infrastructure errors
// surface for retry.
func (c *Consumers) HandleOrderCreated(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.OrderCreatedPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}

	err = c.Svc.TryBatchReserve(ctx, p.OrderNo, p.Items, func(ctx context.Context, tx pgx.Tx) error {
		_, err := c.Outbox.Stage(ctx, tx, p.OrderNo,
			event.TopicStockReserved, event.TypeStockReserved,
			event.StockReservedPayload{OrderNo: p.OrderNo, Items: p.Items}, env.TraceID)
		return err
	})
	if err == nil {
		return consumelog.Applied(fmt.Sprintf("reserved %d items", len(p.Items))), nil
	}

	code := bizerr.CodeOf(err)
	if code != bizerr.CodeInsufficientStock && code != bizerr.CodeNotFound && code != bizerr.CodeInvalidParam {
		return consumelog.Result{}, err
	}

	// Business rejection is final for this order: tell the order service.
	c.Log.Warn("stock reserve rejected",
		zap.String("orderNo", p.OrderNo),
		zap.String("code", string(code)),
		zap.Error(err))
	reason := err.Error()
	stageErr := c.Svc.Repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := c.Outbox.Stage(ctx, tx, p.OrderNo,
			event.TopicStockReserveFailed, event.TypeStockReserveFailed,
			event.StockReserveFailedPayload{
				OrderNo:      p.OrderNo,
				ErrorCode:    string(code),
				ErrorMessage: reason,
				Items:        p.Items,
			}, env.TraceID)
		return err
	})
	if stageErr != nil {
		return consumelog.Result{}, stageErr
	}
	return consumelog.Applied("reserve rejected, failure event staged"), nil
}

func (c *Consumers) HandleOrderCanceled(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.OrderCanceledPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	if err := c.Svc.Release(ctx, p.OrderNo, "cancel:"+p.OrderNo, nil); err != nil {
		return consumelog.Result{}, err
	}
	return consumelog.Applied("reservations released"), nil
}

func (c *Consumers) HandlePaymentSucceeded(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.PaymentSucceededPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	if err := c.Svc.Confirm(ctx, p.OrderNo, p.PayNo); err != nil {
		return consumelog.Result{}, err
	}
	return consumelog.Applied("reservations confirmed"), nil
}

func (c *Consumers) HandleAfterSaleRefunded(ctx context.Context, env event.Envelope) (consumelog.Result, error) {
	p, err := event.UnwrapPayload[event.AfterSaleRefundedPayload](env)
	if err != nil {
		return consumelog.Ignored("bad_payload", err.Error()), nil
	}
	if len(p.Items) == 0 {
		return consumelog.Ignored("no_items", "refund carries no restockable items"), nil
	}
	if err := c.Svc.Restore(ctx, p.OrderNo, p.Items, p.AfterSaleNo); err != nil {
		return consumelog.Result{}, err
	}
	return consumelog.Applied(fmt.Sprintf("restored %d items", len(p.Items))), nil
}
