package orders

type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusStockReserved   Status = "STOCK_RESERVED"
	StatusStockFailed     Status = "STOCK_FAILED"
	StatusPaid            Status = "PAID"
	StatusShipped         Status = "SHIPPED"
	StatusDelivered       Status = "DELIVERED"
	StatusCanceled        Status = "CANCELED"
	StatusRefunded        Status = "REFUNDED"
	StatusPartialRefunded Status = "PARTIAL_REFUNDED"
)

// Event is a state-machine trigger. Refunds split into full/partial triggers
// so the transition table stays a pure (state, event) -> state lookup; the
// consumer picks the trigger by comparing refund amount to order amount.
type Event string

const (
	EventCreate             Event = "CREATE"
	EventStockReserved      Event = "STOCK_RESERVED"
	EventStockReserveFailed Event = "STOCK_RESERVE_FAILED"
	EventCancel             Event = "CANCEL"
	EventPaymentSucceeded   Event = "PAYMENT_SUCCEEDED"
	EventShip               Event = "SHIP"
	EventDeliver            Event = "DELIVER"
	EventRefundFull         Event = "REFUND_FULL"
	EventRefundPartial      Event = "REFUND_PARTIAL"
)

// transitions is the authoritative edge set. A status missing an event has no
// edge for it; terminal statuses have no outgoing edges except the refund
// triggers reachable from DELIVERED.
var transitions = map[Status]map[Event]Status{
	StatusCreated: {
		EventStockReserved:      StatusStockReserved,
		EventStockReserveFailed: StatusStockFailed,
		EventCancel:             StatusCanceled,
	},
	StatusStockReserved: {
		EventPaymentSucceeded: StatusPaid,
		EventCancel:           StatusCanceled,
	},
	StatusPaid: {
		EventShip:          StatusShipped,
		EventRefundFull:    StatusRefunded,
		EventRefundPartial: StatusPartialRefunded,
	},
	StatusShipped: {
		EventDeliver: StatusDelivered,
	},
	StatusDelivered: {
		EventRefundFull:    StatusRefunded,
		EventRefundPartial: StatusPartialRefunded,
	},
	StatusStockFailed:     {},
	StatusCanceled:        {},
	StatusRefunded:        {},
	StatusPartialRefunded: {},
}

// Next returns the target status for (from, ev), or false when the table has
// no such edge.
func Next(from Status, ev Event) (Status, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// IsEventTarget reports whether s is a status the event can produce from some
// state. Used to tell a duplicate delivery (aggregate already at the event's
// target) apart from a genuinely out-of-order one.
func IsEventTarget(s Status, ev Event) bool {
	for _, edges := range transitions {
		if to, ok := edges[ev]; ok && to == s {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// CanCancel limits user cancellation to pre-payment statuses.
func CanCancel(s Status) bool {
	return s == StatusCreated || s == StatusStockReserved
}
