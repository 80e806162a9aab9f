package orders

import "time"

// Order is the fulfillment aggregate. Amounts are integer cents. Version
// increases by one for every applied status transition and guards optimistic
// writes; ClientRequestID dedupes order creation per user.
type Order struct {
	ID              int64
	OrderNo         string
	UserID          int64
	Status          Status
	Amount          int64
	Version         int64
	ClientRequestID string
	PriceLockNo     string
	PayNo           string
	Remark          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem is an immutable snapshot of a purchased line taken at creation
// time. Price fields never change after insert.
type OrderItem struct {
	ID             int64
	OrderNo        string
	SkuID          int64
	WarehouseID    int64
	Qty            int
	TitleSnapshot  string
	PriceSnapshot  int64
	DiscountAmount int64
	PayableAmount  int64
}

// StateFlow is an append-only audit row. An ignored delivery records
// FromStatus == ToStatus with a reason instead of mutating the order.
type StateFlow struct {
	ID         int64
	OrderNo    string
	FromStatus Status
	ToStatus   Status
	Event      Event
	EventID    string
	Operator   string
	Remark     string
	TraceID    string
	CreatedAt  time.Time
}
