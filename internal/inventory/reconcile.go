package inventory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reconciler sweeps the durable counters and settles the cache toward them.
// It exists because a crash between the cache script and the durable commit
// leaves the two stores apart; the drift is bounded by the sweep interval.
//
// A live reserve sits in the same gap for a moment: the cache is already
// decremented while the durable transaction is still open. Crediting that
// back would hand the held units to a second order, so a drift is only
// settled once the cache value has held still across two consecutive sweeps.
type Reconciler struct {
	Repo     Repo
	Cache    Cache
	Interval time.Duration
	PageSize int
	Log      *zap.Logger

	// cached value per drifted counter as of the previous sweep
	pending map[string]int64
}

func NewReconciler(repo Repo, cache Cache, interval time.Duration, pageSize int, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Reconciler{
		Repo: repo, Cache: cache,
		Interval: interval, PageSize: pageSize,
		Log:     log,
		pending: map[string]int64{},
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.Log.Error("reconcile sweep failed", zap.Error(err))
			} else if n > 0 {
				r.Log.Warn("reconcile settled drifted counters", zap.Int("count", n))
			}
		}
	}
}

// Sweep walks every durable counter, seeds missing cache keys and settles
// drifted ones. A drift seen for the first time, or whose cached value moved
// since the last sweep, is deferred: it may be a reserve in flight between
// the cache decrement and the durable commit. Returns how many keys it wrote.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	var afterWh, afterSku int64
	fixed := 0
	seen := map[string]int64{}
	defer func() { r.pending = seen }()
	for {
		page, err := r.Repo.ListCounters(ctx, afterWh, afterSku, r.PageSize)
		if err != nil {
			return fixed, err
		}
		if len(page) == 0 {
			return fixed, nil
		}
		for _, c := range page {
			cached, exists, err := r.Cache.GetStock(ctx, c.WarehouseID, c.SkuID)
			if err != nil {
				return fixed, err
			}
			if exists && cached == c.Available {
				continue
			}
			if exists {
				k := fmt.Sprintf("%d:%d", c.WarehouseID, c.SkuID)
				if prev, held := r.pending[k]; !held || prev != cached {
					seen[k] = cached
					continue
				}
				r.Log.Warn("stock counter drifted",
					zap.Int64("warehouseId", c.WarehouseID),
					zap.Int64("skuId", c.SkuID),
					zap.Int64("cached", cached),
					zap.Int64("durable", c.Available))
			}
			if err := r.Cache.SetStock(ctx, c.WarehouseID, c.SkuID, c.Available); err != nil {
				return fixed, err
			}
			fixed++
		}
		last := page[len(page)-1]
		afterWh, afterSku = last.WarehouseID, last.SkuID
	}
}
