package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

// memStore serves rows like the SQL claim does: NEW always, RETRY only once
// its next_retry_at has passed, SENT/DEAD never.
type memStore struct {
	recs []Record
}

func (s *memStore) claimable(limit int) []Record {
	now := time.Now()
	var out []Record
	for _, r := range s.recs {
		if len(out) == limit {
			break
		}
		switch {
		case r.Status == StatusNew:
			out = append(out, r)
		case r.Status == StatusRetry && r.NextRetryAt != nil && !r.NextRetryAt.After(now):
			out = append(out, r)
		}
	}
	return out
}

func (s *memStore) WithClaimed(ctx context.Context, limit int, fn func(ctx context.Context, recs []Record, m Marker) error) error {
	return fn(ctx, s.claimable(limit), (*memMarker)(s))
}

func (s *memStore) find(eventID string) *Record {
	for i := range s.recs {
		if s.recs[i].EventID == eventID {
			return &s.recs[i]
		}
	}
	return nil
}

type memMarker memStore

func (m *memMarker) mark(eventID string, version int, mut func(*Record)) (bool, error) {
	r := (*memStore)(m).find(eventID)
	if r == nil || r.Version != version {
		return false, nil
	}
	mut(r)
	r.Version++
	return true, nil
}

func (m *memMarker) MarkSent(_ context.Context, eventID string, version int) (bool, error) {
	return m.mark(eventID, version, func(r *Record) {
		now := time.Now()
		r.Status = StatusSent
		r.SentAt = &now
	})
}

func (m *memMarker) MarkRetry(_ context.Context, eventID string, next time.Time, lastError string, version int) (bool, error) {
	return m.mark(eventID, version, func(r *Record) {
		r.Status = StatusRetry
		r.RetryCount++
		r.NextRetryAt = &next
		r.LastError = lastError
	})
}

func (m *memMarker) MarkDead(_ context.Context, eventID string, lastError string, version int) (bool, error) {
	return m.mark(eventID, version, func(r *Record) {
		r.Status = StatusDead
		r.RetryCount++
		r.LastError = lastError
	})
}

type published struct {
	topic string
	key   string
	env   event.Envelope
}

type fakePublisher struct {
	failing  bool
	messages []published
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key, value []byte, _ ...segkafka.Header) error {
	if p.failing {
		return errors.New("broker unavailable")
	}
	env, err := event.UnmarshalEnvelope(value)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, published{topic: topic, key: string(key), env: env})
	return nil
}

func newRec(eventID string, status Status) Record {
	return Record{
		EventID:   eventID,
		BizKey:    "O1",
		Topic:     "order.created",
		Tag:       event.TypeOrderCreated,
		Payload:   []byte(`{"order_no":"O1"}`),
		Status:    status,
		MaxRetry:  3,
		CreatedAt: time.Now(),
	}
}

func newTestRelay(store ClaimStore, pub Publisher) *Relay {
	return NewRelay(store, pub, "order-svc", 10, time.Second, 5*time.Second, time.Hour, zap.NewNop())
}

func TestTickPublishesAndMarksSent(t *testing.T) {
	store := &memStore{recs: []Record{newRec("ev-1", StatusNew)}}
	pub := &fakePublisher{}
	r := newTestRelay(store, pub)

	require.NoError(t, r.Tick(context.Background()))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "order.created", msg.topic)
	assert.Equal(t, "O1", msg.key, "partitioned by business key")
	assert.Equal(t, "ev-1", msg.env.MessageID, "message id is the staged event id")
	assert.Equal(t, event.TypeOrderCreated, msg.env.EventType)

	rec := store.find("ev-1")
	assert.Equal(t, StatusSent, rec.Status)
	require.NotNil(t, rec.SentAt)

	// Sent rows are never claimed again.
	require.NoError(t, r.Tick(context.Background()))
	assert.Len(t, pub.messages, 1)
}

func TestTickSchedulesRetryWithBackoff(t *testing.T) {
	store := &memStore{recs: []Record{newRec("ev-1", StatusNew)}}
	pub := &fakePublisher{failing: true}
	r := newTestRelay(store, pub)

	require.NoError(t, r.Tick(context.Background()))

	rec := store.find("ev-1")
	assert.Equal(t, StatusRetry, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.LastError, "broker unavailable")
	require.NotNil(t, rec.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), *rec.NextRetryAt, time.Second)

	// Not due yet: the next tick must leave it alone.
	require.NoError(t, r.Tick(context.Background()))
	assert.Equal(t, 1, rec.RetryCount)
}

func TestTickMarksDeadAfterMaxRetries(t *testing.T) {
	store := &memStore{recs: []Record{newRec("ev-1", StatusNew)}}
	pub := &fakePublisher{failing: true}
	r := newTestRelay(store, pub)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Tick(context.Background()))
		rec := store.find("ev-1")
		if rec.Status == StatusRetry {
			// Make the retry due immediately for the next tick.
			past := time.Now().Add(-time.Millisecond)
			rec.NextRetryAt = &past
		}
	}

	rec := store.find("ev-1")
	assert.Equal(t, StatusDead, rec.Status)
	assert.Equal(t, 3, rec.RetryCount, "third attempt goes straight to DEAD")

	// Dead rows stay dead, even when the broker recovers.
	pub.failing = false
	require.NoError(t, r.Tick(context.Background()))
	assert.Empty(t, pub.messages)
	assert.Equal(t, StatusDead, store.find("ev-1").Status)
}

func TestCrashBeforeMarkSentRepublishes(t *testing.T) {
	// Publish succeeded but the SENT mark was lost: the row is claimed again
	// and the same event id goes out twice. Consumers dedupe on it.
	store := &memStore{recs: []Record{newRec("ev-1", StatusNew)}}
	pub := &fakePublisher{}
	r := newTestRelay(store, pub)

	require.NoError(t, r.Tick(context.Background()))
	rec := store.find("ev-1")
	rec.Status = StatusNew
	rec.SentAt = nil

	require.NoError(t, r.Tick(context.Background()))
	require.Len(t, pub.messages, 2)
	assert.Equal(t, pub.messages[0].env.MessageID, pub.messages[1].env.MessageID)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	r := &Relay{BaseRetry: 5 * time.Second, MaxRetry: time.Minute}
	assert.Equal(t, 5*time.Second, r.backoff(1))
	assert.Equal(t, 10*time.Second, r.backoff(2))
	assert.Equal(t, 20*time.Second, r.backoff(3))
	assert.Equal(t, 40*time.Second, r.backoff(4))
	assert.Equal(t, time.Minute, r.backoff(5))
	assert.Equal(t, time.Minute, r.backoff(10))
}
