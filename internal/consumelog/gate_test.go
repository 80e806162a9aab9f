package consumelog

import (
	"context"
	"errors"
	"testing"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

type memLedger struct {
	recs map[string]*Record
}

func newMemLedger() *memLedger {
	return &memLedger{recs: map[string]*Record{}}
}

func key(eventID, group string) string { return eventID + "|" + group }

func (s *memLedger) TryAcquire(_ context.Context, eventID, group, topic, tag, bizKey, traceID string) (*Record, error) {
	if rec, ok := s.recs[key(eventID, group)]; ok {
		cp := *rec
		return &cp, nil
	}
	s.recs[key(eventID, group)] = &Record{
		EventID: eventID, ConsumerGroup: group, Status: StatusProcessing,
		Topic: topic, Tag: tag, BizKey: bizKey, TraceID: traceID,
	}
	return nil, nil
}

func (s *memLedger) MarkSuccess(_ context.Context, eventID, group, result string, costMs int64) error {
	r := s.recs[key(eventID, group)]
	r.Status, r.Result, r.CostMs = StatusSuccess, result, costMs
	return nil
}

func (s *memLedger) MarkFailed(_ context.Context, eventID, group, result string, costMs int64) error {
	r := s.recs[key(eventID, group)]
	r.Status, r.Result, r.CostMs = StatusFailed, result, costMs
	r.Attempts++
	return nil
}

func (s *memLedger) MarkIgnored(_ context.Context, eventID, group, result, reason string, costMs int64) error {
	r := s.recs[key(eventID, group)]
	r.Status, r.Result, r.IgnoredReason, r.CostMs = StatusIgnored, result, reason, costMs
	return nil
}

func msgFor(env event.Envelope) segkafka.Message {
	return segkafka.Message{Value: event.MustMarshal(env)}
}

func newTestGate(store Store) *Gate {
	return NewGate(store, "order-service", "payment.succeeded", 3, zap.NewNop())
}

func TestGateRunsHandlerOnceForDuplicates(t *testing.T) {
	ledger := newMemLedger()
	g := newTestGate(ledger)

	calls := 0
	h := g.Wrap(func(_ context.Context, _ event.Envelope) (Result, error) {
		calls++
		return Applied("done"), nil
	})

	env := event.New(event.TypePaymentSucceeded, "O1", "t-1", "payment-svc", nil)
	msg := msgFor(env)
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))

	assert.Equal(t, 1, calls)
	rec := ledger.recs[key(env.MessageID, "order-service")]
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "done", rec.Result)
}

func TestGateMarksIgnoredTerminally(t *testing.T) {
	ledger := newMemLedger()
	g := newTestGate(ledger)

	calls := 0
	h := g.Wrap(func(_ context.Context, _ event.Envelope) (Result, error) {
		calls++
		return Ignored("out_of_order", "no edge from DELIVERED"), nil
	})

	env := event.New(event.TypePaymentSucceeded, "O1", "t-1", "payment-svc", nil)
	msg := msgFor(env)
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg), "redelivery of an ignored event commits without running")

	assert.Equal(t, 1, calls)
	rec := ledger.recs[key(env.MessageID, "order-service")]
	assert.Equal(t, StatusIgnored, rec.Status)
	assert.Equal(t, "out_of_order", rec.IgnoredReason)
}

func TestGateBoundedRetryThenAbandon(t *testing.T) {
	ledger := newMemLedger()
	g := newTestGate(ledger)

	calls := 0
	h := g.Wrap(func(_ context.Context, _ event.Envelope) (Result, error) {
		calls++
		return Result{}, errors.New("db down")
	})

	env := event.New(event.TypePaymentSucceeded, "O1", "t-1", "payment-svc", nil)
	msg := msgFor(env)

	// Each failing delivery returns an error (no commit) and bumps attempts.
	for i := 0; i < 3; i++ {
		require.Error(t, h(context.Background(), msg))
	}
	assert.Equal(t, 3, calls)
	rec := ledger.recs[key(env.MessageID, "order-service")]
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)

	// Attempts exhausted: the next delivery is abandoned with a commit.
	require.NoError(t, h(context.Background(), msg))
	assert.Equal(t, 3, calls)
}

func TestGateRetryAfterTransientFailureSucceeds(t *testing.T) {
	ledger := newMemLedger()
	g := newTestGate(ledger)

	calls := 0
	h := g.Wrap(func(_ context.Context, _ event.Envelope) (Result, error) {
		calls++
		if calls == 1 {
			return Result{}, errors.New("transient")
		}
		return Applied("done"), nil
	})

	env := event.New(event.TypePaymentSucceeded, "O1", "t-1", "payment-svc", nil)
	msg := msgFor(env)
	require.Error(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))

	assert.Equal(t, 2, calls)
	assert.Equal(t, StatusSuccess, ledger.recs[key(env.MessageID, "order-service")].Status)
}

func TestGateInFlightDeliveryDefers(t *testing.T) {
	ledger := newMemLedger()
	g := newTestGate(ledger)

	h := g.Wrap(func(_ context.Context, _ event.Envelope) (Result, error) {
		t.Fatal("handler must not run while another instance holds the event")
		return Result{}, nil
	})

	env := event.New(event.TypePaymentSucceeded, "O1", "t-1", "payment-svc", nil)
	// Simulate another instance mid-processing.
	_, err := ledger.TryAcquire(context.Background(), env.MessageID, "order-service", "", "", "", "")
	require.NoError(t, err)

	require.Error(t, h(context.Background(), msgFor(env)), "must not commit, broker should redeliver")
}

func TestGateDropsUndecodableMessage(t *testing.T) {
	ledger := newMemLedger()
	g := newTestGate(ledger)

	h := g.Wrap(func(_ context.Context, _ event.Envelope) (Result, error) {
		t.Fatal("handler must not see garbage")
		return Result{}, nil
	})

	err := h(context.Background(), segkafka.Message{Value: []byte("not json")})
	assert.NoError(t, err, "malformed input is dropped, never retried")
	assert.Empty(t, ledger.recs)
}
