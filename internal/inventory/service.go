package inventory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

// StageFunc runs inside the durable transaction of the operation that
// triggered it. tx is nil only in test fakes.
type StageFunc func(ctx context.Context, tx pgx.Tx) error

// Service coordinates the two stores. The cache decides the reserve race;
// Postgres keeps the authoritative rows. A crash between the two leaves a
// bounded inconsistency that redelivery or the reconciler repairs, never a
// double-reserve.
type Service struct {
	Repo  Repo
	Cache Cache
	TTL   time.Duration
	Log   *zap.Logger
}

func NewService(repo Repo, cache Cache, ttl time.Duration, log *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{Repo: repo, Cache: cache, TTL: ttl, Log: log}
}

// TryBatchReserve holds stock for a whole order, all or nothing. The cache
// script arbitrates first; only a winning (or idempotently repeated) order
// proceeds to the durable phase, where reservation rows and counter moves
// land in one transaction together with stage.
//
// Durable-phase counter misses are logged and left for the reconciler: the
// cache already committed the decision, so failing the whole order here
// would oversell on redelivery. A hard durable error compensates the cache
// credit and reports retryable.
func (s *Service) TryBatchReserve(ctx context.Context, orderNo string, items []event.ItemQty, stage StageFunc) error {
	if len(items) == 0 {
		return bizerr.New(bizerr.CodeInvalidParam, "order %s has no items", orderNo)
	}

	res, err := s.Cache.BatchReserve(ctx, orderNo, items)
	if err != nil {
		return bizerr.Wrap(bizerr.CodeSystem, err, "cache reserve for %s", orderNo)
	}
	switch {
	case res.Duplicate:
		// Markers already present: an earlier delivery won the cache race.
		// Fall through to the durable phase so a crash between the two
		// stores heals on redelivery.
		s.Log.Info("cache reserve duplicate", zap.String("orderNo", orderNo))
	case res.Insufficient:
		it := items[res.FailIndex]
		return bizerr.New(bizerr.CodeInsufficientStock,
			"sku %d in warehouse %d short for order %s", it.SkuID, it.WarehouseID, orderNo)
	case res.NotFound:
		it := items[res.FailIndex]
		return bizerr.New(bizerr.CodeNotFound,
			"sku %d in warehouse %d has no stock counter", it.SkuID, it.WarehouseID)
	}

	expiresAt := time.Now().Add(s.TTL)
	err = s.Repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, it := range items {
			inserted, err := s.Repo.InsertReservation(ctx, tx, &Reservation{
				OrderNo:     orderNo,
				WarehouseID: it.WarehouseID,
				SkuID:       it.SkuID,
				Qty:         it.Qty,
				Status:      ReservationReserved,
				ExpiresAt:   expiresAt,
			})
			if err != nil {
				return err
			}
			if !inserted {
				// Row already there from an earlier delivery.
				continue
			}
			before, after, ok, err := s.Repo.MoveReserve(ctx, tx, it.WarehouseID, it.SkuID, it.Qty)
			if err != nil {
				return err
			}
			if !ok {
				s.Log.Warn("durable counter lagging cache, reconciler will settle",
					zap.String("orderNo", orderNo),
					zap.Int64("warehouseId", it.WarehouseID),
					zap.Int64("skuId", it.SkuID),
					zap.Int("qty", it.Qty))
				continue
			}
			if err := s.Repo.AppendLedger(ctx, tx, LedgerEntry{
				OrderNo:         orderNo,
				WarehouseID:     it.WarehouseID,
				SkuID:           it.SkuID,
				Qty:             it.Qty,
				Reason:          ReasonReserve,
				AvailableBefore: before,
				AvailableAfter:  after,
			}); err != nil {
				return err
			}
		}
		if stage != nil {
			return stage(ctx, tx)
		}
		return nil
	})
	if err != nil {
		// Durable phase failed outright: give the cached units back so the
		// stores do not drift while the delivery retries.
		if _, relErr := s.Cache.BatchRelease(ctx, orderNo, items); relErr != nil {
			s.Log.Error("compensating cache release failed",
				zap.String("orderNo", orderNo), zap.Error(relErr))
		}
		return bizerr.Wrap(bizerr.CodeSystem, err, "durable reserve for %s", orderNo)
	}
	return nil
}

// Confirm burns reserved units after payment. Already-confirmed rows are
// skipped, so redeliveries are no-ops. Markers are dropped without credit so
// a late release cannot resurrect sold stock.
func (s *Service) Confirm(ctx context.Context, orderNo, refNo string) error {
	reservations, err := s.Repo.FindReservations(ctx, orderNo)
	if err != nil {
		return err
	}

	var confirmed []event.ItemQty
	err = s.Repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, r := range reservations {
			if r.Status != ReservationReserved {
				continue
			}
			row, ok, err := s.Repo.CASReservation(ctx, tx, orderNo, r.WarehouseID, r.SkuID,
				ReservationReserved, ReservationConfirmed)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			available, ok, err := s.Repo.MoveConfirm(ctx, tx, r.WarehouseID, r.SkuID, row.Qty)
			if err != nil {
				return err
			}
			if !ok {
				s.Log.Warn("confirm found no reserved units on counter",
					zap.String("orderNo", orderNo),
					zap.Int64("skuId", r.SkuID))
			}
			if err := s.Repo.AppendLedger(ctx, tx, LedgerEntry{
				OrderNo:         orderNo,
				WarehouseID:     r.WarehouseID,
				SkuID:           r.SkuID,
				Qty:             row.Qty,
				Reason:          ReasonConfirm,
				AvailableBefore: available,
				AvailableAfter:  available,
				RefNo:           refNo,
			}); err != nil {
				return err
			}
			confirmed = append(confirmed, event.ItemQty{
				WarehouseID: r.WarehouseID, SkuID: r.SkuID, Qty: row.Qty,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(confirmed) > 0 {
		if err := s.Cache.DropMarkers(ctx, orderNo, confirmed); err != nil {
			s.Log.Error("drop markers after confirm failed",
				zap.String("orderNo", orderNo), zap.Error(err))
		}
	}
	return nil
}

// Release gives held units back, durable rows first and cache credit after.
// Rows already confirmed or released are skipped; the cache script skips
// items whose marker is gone, so the credit is applied at most once.
func (s *Service) Release(ctx context.Context, orderNo, refNo string, stage StageFunc) error {
	reservations, err := s.Repo.FindReservations(ctx, orderNo)
	if err != nil {
		return err
	}

	released, err := s.releaseRows(ctx, orderNo, reservations, refNo, stage)
	if err != nil {
		return err
	}
	if len(released) > 0 {
		if _, err := s.Cache.BatchRelease(ctx, orderNo, released); err != nil {
			s.Log.Error("cache release failed",
				zap.String("orderNo", orderNo), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) releaseRows(ctx context.Context, orderNo string, reservations []Reservation, refNo string, stage StageFunc) ([]event.ItemQty, error) {
	var released []event.ItemQty
	err := s.Repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, r := range reservations {
			if r.Status != ReservationReserved {
				continue
			}
			row, ok, err := s.Repo.CASReservation(ctx, tx, orderNo, r.WarehouseID, r.SkuID,
				ReservationReserved, ReservationReleased)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			before, after, ok, err := s.Repo.MoveRelease(ctx, tx, r.WarehouseID, r.SkuID, row.Qty)
			if err != nil {
				return err
			}
			if !ok {
				s.Log.Warn("release found no reserved units on counter",
					zap.String("orderNo", orderNo),
					zap.Int64("skuId", r.SkuID))
				continue
			}
			if err := s.Repo.AppendLedger(ctx, tx, LedgerEntry{
				OrderNo:         orderNo,
				WarehouseID:     r.WarehouseID,
				SkuID:           r.SkuID,
				Qty:             row.Qty,
				Reason:          ReasonRelease,
				AvailableBefore: before,
				AvailableAfter:  after,
				RefNo:           refNo,
			}); err != nil {
				return err
			}
			released = append(released, event.ItemQty{
				WarehouseID: r.WarehouseID, SkuID: r.SkuID, Qty: row.Qty,
			})
		}
		if stage != nil {
			return stage(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Restore puts refunded units back on the shelf, durable first then cache.
func (s *Service) Restore(ctx context.Context, orderNo string, items []event.ItemQty, refNo string) error {
	err := s.Repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, it := range items {
			before, after, err := s.Repo.MoveRestore(ctx, tx, it.WarehouseID, it.SkuID, it.Qty)
			if err != nil {
				return err
			}
			if err := s.Repo.AppendLedger(ctx, tx, LedgerEntry{
				OrderNo:         orderNo,
				WarehouseID:     it.WarehouseID,
				SkuID:           it.SkuID,
				Qty:             it.Qty,
				Reason:          ReasonRestore,
				AvailableBefore: before,
				AvailableAfter:  after,
				RefNo:           refNo,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, it := range items {
		if err := s.Cache.CreditStock(ctx, it.WarehouseID, it.SkuID, it.Qty); err != nil {
			s.Log.Error("cache restore credit failed",
				zap.String("orderNo", orderNo),
				zap.Int64("skuId", it.SkuID), zap.Error(err))
		}
	}
	return nil
}

// Sync pushes the durable available count into the cache counter. Used to
// seed new SKUs and by the reconciler to settle drift.
func (s *Service) Sync(ctx context.Context, warehouseID, skuID int64) (int64, error) {
	c, err := s.Repo.GetCounters(ctx, warehouseID, skuID)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, bizerr.New(bizerr.CodeNotFound, "no stock counter for wh=%d sku=%d", warehouseID, skuID)
	}
	if err := s.Cache.SetStock(ctx, warehouseID, skuID, c.Available); err != nil {
		return 0, bizerr.Wrap(bizerr.CodeSystem, err, "sync stock wh=%d sku=%d", warehouseID, skuID)
	}
	return c.Available, nil
}
