package event

// One topic per event type, keyed by order number, matching the broker layout
// the relay assumes for per-order ordering.
const (
	TopicOrderCreated       = "order.created"
	TopicOrderCanceled      = "order.canceled"
	TopicStockReserved      = "inventory.stock.reserved"
	TopicStockReserveFailed = "inventory.stock.reserve-failed"
	TopicPaymentSucceeded   = "payment.succeeded"
	TopicShipmentShipped    = "shipment.shipped"
	TopicShipmentDelivered  = "shipment.delivered"
	TopicAfterSaleRefunded  = "aftersale.refunded"
	TopicOrderStatusChanged = "order.status-changed"
)
