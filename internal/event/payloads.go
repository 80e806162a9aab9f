package event

// ---- per-event payload types ----

type ItemQty struct {
	SkuID       int64 `json:"sku_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Qty         int   `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderNo string    `json:"order_no"`
	UserID  int64     `json:"user_id"`
	Amount  int64     `json:"amount_cents"`
	Items   []ItemQty `json:"items"`
}

type OrderCanceledPayload struct {
	OrderNo      string `json:"order_no"`
	UserID       int64  `json:"user_id"`
	CancelReason string `json:"cancel_reason"`
	Operator     string `json:"operator"`
}

type StockReservedPayload struct {
	OrderNo string    `json:"order_no"`
	Items   []ItemQty `json:"items"`
}

type StockReserveFailedPayload struct {
	OrderNo      string    `json:"order_no"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Items        []ItemQty `json:"items,omitempty"`
}

type PaymentSucceededPayload struct {
	OrderNo string `json:"order_no"`
	PayNo   string `json:"pay_no"`
	Amount  int64  `json:"amount_cents"`
}

type ShipmentShippedPayload struct {
	OrderNo    string `json:"order_no"`
	ShipmentNo string `json:"shipment_no"`
	WaybillNo  string `json:"waybill_no"`
}

type ShipmentDeliveredPayload struct {
	OrderNo    string `json:"order_no"`
	ShipmentNo string `json:"shipment_no"`
	WaybillNo  string `json:"waybill_no"`
}

type AfterSaleRefundedPayload struct {
	OrderNo      string    `json:"order_no"`
	AfterSaleNo  string    `json:"after_sale_no"`
	RefundAmount int64     `json:"refund_amount_cents"`
	Items        []ItemQty `json:"items,omitempty"`
}

// OrderStatusChangedPayload fans out every applied order transition so
// downstream projections follow without polling.
type OrderStatusChangedPayload struct {
	OrderNo string `json:"order_no"`
	From    string `json:"from_status"`
	To      string `json:"to_status"`
	Event   string `json:"event"`
}
