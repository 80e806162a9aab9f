package redisx

import (
	"fmt"
	"time"
)

// Key layout. The stock counter is the live arbiter of the decrement race;
// the reserved marker is the per-order idempotency guard for cache-side
// reservation. Durable rows outlive both.
const (
	// Stock counter: inv:{warehouseId}:{skuId} -> available qty
	keyStock = "inv:%d:%d"

	// Reservation idempotency marker: inv:reserved:{orderNo}:{warehouseId}:{skuId} -> qty
	keyReserved = "inv:reserved:%s:%d:%d"

	// API-level idempotency for order creation: idem:order:create:{userId}:{clientRequestId} -> orderNo
	keyIdemOrderCreate = "idem:order:create:%d:%s"
)

var (
	// Marker TTL is a memory-bounded approximation; the reservation row in
	// Postgres remains the long-term source of truth.
	TTLReservedMarker = 24 * time.Hour

	TTLIdemOrderCreate = 24 * time.Hour
)

func StockKey(warehouseID, skuID int64) string {
	return fmt.Sprintf(keyStock, warehouseID, skuID)
}

func ReservedMarkerKey(orderNo string, warehouseID, skuID int64) string {
	return fmt.Sprintf(keyReserved, orderNo, warehouseID, skuID)
}

func IdemOrderCreateKey(userID int64, clientRequestID string) string {
	return fmt.Sprintf(keyIdemOrderCreate, userID, clientRequestID)
}
