package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextHappyPath(t *testing.T) {
	path := []struct {
		from Status
		ev   Event
		to   Status
	}{
		{StatusCreated, EventStockReserved, StatusStockReserved},
		{StatusStockReserved, EventPaymentSucceeded, StatusPaid},
		{StatusPaid, EventShip, StatusShipped},
		{StatusShipped, EventDeliver, StatusDelivered},
	}
	for _, step := range path {
		got, ok := Next(step.from, step.ev)
		require.True(t, ok, "%s + %s", step.from, step.ev)
		assert.Equal(t, step.to, got)
	}
}

func TestNextRejectsMissingEdges(t *testing.T) {
	_, ok := Next(StatusCreated, EventDeliver)
	assert.False(t, ok)
	_, ok = Next(StatusPaid, EventCancel)
	assert.False(t, ok, "paid orders cancel through aftersale, not user cancel")
	_, ok = Next(StatusCanceled, EventPaymentSucceeded)
	assert.False(t, ok)
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCanceled, StatusStockFailed, StatusRefunded, StatusPartialRefunded} {
		assert.True(t, IsTerminal(s), string(s))
	}
	for _, s := range []Status{StatusCreated, StatusStockReserved, StatusPaid, StatusShipped, StatusDelivered} {
		assert.False(t, IsTerminal(s), string(s))
	}
}

func TestIsEventTarget(t *testing.T) {
	assert.True(t, IsEventTarget(StatusStockReserved, EventStockReserved))
	assert.True(t, IsEventTarget(StatusPaid, EventPaymentSucceeded))
	assert.True(t, IsEventTarget(StatusRefunded, EventRefundFull))
	assert.False(t, IsEventTarget(StatusPaid, EventStockReserved))
	assert.False(t, IsEventTarget(StatusCreated, EventCancel))
}

func TestCanCancel(t *testing.T) {
	assert.True(t, CanCancel(StatusCreated))
	assert.True(t, CanCancel(StatusStockReserved))
	assert.False(t, CanCancel(StatusPaid))
	assert.False(t, CanCancel(StatusCanceled))
}
