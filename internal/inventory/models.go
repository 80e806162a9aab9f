package inventory

import "time"

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is the durable record of one order holding qty units of one
// SKU. (order_no, warehouse_id, sku_id) is unique, which makes the insert
// itself the idempotency check.
type Reservation struct {
	ID          int64
	OrderNo     string
	WarehouseID int64
	SkuID       int64
	Qty         int
	Status      ReservationStatus
	ExpiresAt   time.Time
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Counters is the durable stock row. Available moves down on reserve and up
// on release; Reserved tracks held-but-unconfirmed units.
type Counters struct {
	WarehouseID int64
	SkuID       int64
	Available   int64
	Reserved    int64
	Version     int64
	UpdatedAt   time.Time
}

type LedgerReason string

const (
	ReasonReserve LedgerReason = "RESERVE"
	ReasonConfirm LedgerReason = "CONFIRM"
	ReasonRelease LedgerReason = "RELEASE"
	ReasonRestore LedgerReason = "RESTORE"
)

// LedgerEntry is the append-only movement record, one row per counter change.
type LedgerEntry struct {
	ID              int64
	OrderNo         string
	WarehouseID     int64
	SkuID           int64
	Qty             int
	Reason          LedgerReason
	AvailableBefore int64
	AvailableAfter  int64
	RefNo           string
	CreatedAt       time.Time
}
