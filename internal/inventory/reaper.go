package inventory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

// Reaper releases reservations whose hold expired without payment. Expired
// rows are claimed with SKIP LOCKED, so any number of instances can run it.
type Reaper struct {
	Repo      Repo
	Cache     Cache
	Interval  time.Duration
	BatchSize int
	Log       *zap.Logger
}

func NewReaper(repo Repo, cache Cache, interval time.Duration, batch int, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{Repo: repo, Cache: cache, Interval: interval, BatchSize: batch, Log: log}
}

func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n, err := r.Tick(ctx); err != nil {
				r.Log.Error("reaper tick failed", zap.Error(err))
			} else if n > 0 {
				r.Log.Info("reaper released expired reservations", zap.Int("count", n))
			}
		}
	}
}

// Tick claims one batch of expired reservations, releases them durably, then
// credits the cache per order. Returns how many rows it released.
func (r *Reaper) Tick(ctx context.Context) (int, error) {
	perOrder := map[string][]event.ItemQty{}
	released := 0

	err := r.Repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		expired, err := r.Repo.ClaimExpired(ctx, tx, time.Now(), r.BatchSize)
		if err != nil {
			return err
		}
		for _, res := range expired {
			row, ok, err := r.Repo.CASReservation(ctx, tx, res.OrderNo, res.WarehouseID, res.SkuID,
				ReservationReserved, ReservationReleased)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			before, after, moved, err := r.Repo.MoveRelease(ctx, tx, res.WarehouseID, res.SkuID, row.Qty)
			if err != nil {
				return err
			}
			if moved {
				if err := r.Repo.AppendLedger(ctx, tx, LedgerEntry{
					OrderNo:         res.OrderNo,
					WarehouseID:     res.WarehouseID,
					SkuID:           res.SkuID,
					Qty:             row.Qty,
					Reason:          ReasonRelease,
					AvailableBefore: before,
					AvailableAfter:  after,
					RefNo:           "expired",
				}); err != nil {
					return err
				}
			}
			perOrder[res.OrderNo] = append(perOrder[res.OrderNo], event.ItemQty{
				WarehouseID: res.WarehouseID, SkuID: res.SkuID, Qty: row.Qty,
			})
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for orderNo, items := range perOrder {
		if _, err := r.Cache.BatchRelease(ctx, orderNo, items); err != nil {
			r.Log.Error("cache release for expired reservation failed",
				zap.String("orderNo", orderNo), zap.Error(err))
		}
	}
	return released, nil
}
