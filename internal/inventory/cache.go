package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/redisx"
)

// BatchResult reports the atomic cache-side reservation outcome for a whole
// order. Exactly one of OK/Duplicate/failure holds.
type BatchResult struct {
	OK        bool
	Duplicate bool
	// FailIndex is the offset of the failing item when Insufficient or
	// NotFound, -1 otherwise.
	FailIndex    int
	Insufficient bool
	NotFound     bool
}

// Cache is the hot-path stock arbiter. All mutations are single Lua scripts
// so the check-and-decrement race never splits.
type Cache interface {
	// BatchReserve decrements every item's counter and writes per-item
	// reservation markers in one script. All or nothing: any shortfall or
	// missing counter leaves every counter untouched.
	BatchReserve(ctx context.Context, orderNo string, items []event.ItemQty) (BatchResult, error)
	// BatchRelease credits back every item that still has a marker and
	// deletes the marker. Items without a marker are skipped, which makes
	// redelivered releases no-ops. Returns how many items were credited.
	BatchRelease(ctx context.Context, orderNo string, items []event.ItemQty) (int, error)
	// DropMarkers removes markers without crediting stock. Used on confirm,
	// so a late release cannot credit back units that were sold.
	DropMarkers(ctx context.Context, orderNo string, items []event.ItemQty) error
	// CreditStock adds qty to an existing counter (refund restock). Missing
	// counters are left for the reconciler to seed.
	CreditStock(ctx context.Context, warehouseID, skuID int64, qty int) error
	GetStock(ctx context.Context, warehouseID, skuID int64) (int64, bool, error)
	SetStock(ctx context.Context, warehouseID, skuID, qty int64) error
}

// KEYS: stock1, marker1, stock2, marker2, ... ARGV: ttlSec, qty1, qty2, ...
var batchReserveScript = redis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
  if redis.call('EXISTS', KEYS[2*i]) == 1 then
    return 0
  end
end
for i = 1, n do
  local v = redis.call('GET', KEYS[2*i-1])
  if not v then
    return '-2:' .. (i - 1)
  end
  if tonumber(v) < tonumber(ARGV[i+1]) then
    return '-1:' .. (i - 1)
  end
end
for i = 1, n do
  redis.call('DECRBY', KEYS[2*i-1], tonumber(ARGV[i+1]))
  redis.call('SET', KEYS[2*i], ARGV[i+1], 'EX', tonumber(ARGV[1]))
end
return 1
`)

// KEYS: stock1, marker1, ... Credits back the qty stored in each surviving
// marker, so a release after marker expiry cannot double-credit.
var batchReleaseScript = redis.NewScript(`
local n = #KEYS / 2
local credited = 0
for i = 1, n do
  local qty = redis.call('GET', KEYS[2*i])
  if qty then
    redis.call('DEL', KEYS[2*i])
    redis.call('INCRBY', KEYS[2*i-1], tonumber(qty))
    credited = credited + 1
  end
end
return credited
`)

var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
end
return -2
`)

type RedisCache struct {
	RDB *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{RDB: rdb}
}

func pairKeys(orderNo string, items []event.ItemQty) []string {
	keys := make([]string, 0, len(items)*2)
	for _, it := range items {
		keys = append(keys,
			redisx.StockKey(it.WarehouseID, it.SkuID),
			redisx.ReservedMarkerKey(orderNo, it.WarehouseID, it.SkuID))
	}
	return keys
}

func (c *RedisCache) BatchReserve(ctx context.Context, orderNo string, items []event.ItemQty) (BatchResult, error) {
	args := make([]any, 0, len(items)+1)
	args = append(args, int(redisx.TTLReservedMarker.Seconds()))
	for _, it := range items {
		args = append(args, it.Qty)
	}

	raw, err := batchReserveScript.Run(ctx, c.RDB, pairKeys(orderNo, items), args...).Result()
	if err != nil {
		return BatchResult{}, fmt.Errorf("batch reserve script: %w", err)
	}

	res := BatchResult{FailIndex: -1}
	switch v := raw.(type) {
	case int64:
		switch v {
		case 1:
			res.OK = true
		case 0:
			res.Duplicate = true
		default:
			return BatchResult{}, fmt.Errorf("batch reserve: unexpected code %d", v)
		}
	case string:
		code, idx, ok := strings.Cut(v, ":")
		if !ok {
			return BatchResult{}, fmt.Errorf("batch reserve: unexpected result %q", v)
		}
		i, err := strconv.Atoi(idx)
		if err != nil {
			return BatchResult{}, fmt.Errorf("batch reserve: unexpected result %q", v)
		}
		res.FailIndex = i
		switch code {
		case "-1":
			res.Insufficient = true
		case "-2":
			res.NotFound = true
		default:
			return BatchResult{}, fmt.Errorf("batch reserve: unexpected result %q", v)
		}
	default:
		return BatchResult{}, fmt.Errorf("batch reserve: unexpected result type %T", raw)
	}
	return res, nil
}

func (c *RedisCache) BatchRelease(ctx context.Context, orderNo string, items []event.ItemQty) (int, error) {
	n, err := batchReleaseScript.Run(ctx, c.RDB, pairKeys(orderNo, items)).Int()
	if err != nil {
		return 0, fmt.Errorf("batch release script: %w", err)
	}
	return n, nil
}

func (c *RedisCache) DropMarkers(ctx context.Context, orderNo string, items []event.ItemQty) error {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, redisx.ReservedMarkerKey(orderNo, it.WarehouseID, it.SkuID))
	}
	if err := c.RDB.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("drop markers: %w", err)
	}
	return nil
}

func (c *RedisCache) CreditStock(ctx context.Context, warehouseID, skuID int64, qty int) error {
	err := creditScript.Run(ctx, c.RDB, []string{redisx.StockKey(warehouseID, skuID)}, qty).Err()
	if err != nil {
		return fmt.Errorf("credit stock: %w", err)
	}
	return nil
}

func (c *RedisCache) GetStock(ctx context.Context, warehouseID, skuID int64) (int64, bool, error) {
	v, err := c.RDB.Get(ctx, redisx.StockKey(warehouseID, skuID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get stock: %w", err)
	}
	return v, true, nil
}

func (c *RedisCache) SetStock(ctx context.Context, warehouseID, skuID, qty int64) error {
	if err := c.RDB.Set(ctx, redisx.StockKey(warehouseID, skuID), qty, 0).Err(); err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}
