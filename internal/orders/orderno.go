package orders

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// NewOrderNo builds a sortable order number: SO + timestamp + random suffix.
// Collisions are caught by the unique index on orders.order_no.
func NewOrderNo(now time.Time) string {
	return fmt.Sprintf("SO%s%06d", now.Format("20060102150405"), rand.IntN(1_000_000))
}
