package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types carried in Envelope.EventType.
const (
	TypeOrderCreated       = "OrderCreated"
	TypeOrderCanceled      = "OrderCanceled"
	TypeStockReserved      = "StockReserved"
	TypeStockReserveFailed = "StockReserveFailed"
	TypePaymentSucceeded   = "PaymentSucceeded"
	TypeShipmentShipped    = "ShipmentShipped"
	TypeShipmentDelivered  = "ShipmentDelivered"
	TypeAfterSaleRefunded  = "AfterSaleRefunded"
	TypeOrderStatusChanged = "OrderStatusChanged"
)

// Envelope is the shared wire format for every message in the system.
// MessageID is the idempotency key consumed by the consume log; BusinessKey
// is the partition key so a single order's events stay ordered within a
// partition.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	BusinessKey string          `json:"business_key"`
	TraceID     string          `json:"trace_id,omitempty"`
	EventType   string          `json:"event_type"`
	Version     string          `json:"version"`
	EventTime   time.Time       `json:"event_time"`
	Source      string          `json:"source"`
	Payload     json.RawMessage `json:"payload"`
}

// New builds an envelope with a fresh message id for direct (non-outbox)
// publication. Outbox-staged events reuse the staged event id instead.
func New(eventType, businessKey, traceID, source string, payload any) Envelope {
	return Envelope{
		MessageID:   uuid.NewString(),
		BusinessKey: businessKey,
		TraceID:     traceID,
		EventType:   eventType,
		Version:     "1.0",
		EventTime:   time.Now().UTC(),
		Source:      source,
		Payload:     MustMarshal(payload),
	}
}

// PartitionKey keys broker partitioning by business key so per-order ordering
// holds within a partition.
func PartitionKey(businessKey string) []byte { return []byte(businessKey) }
