package outbox

import (
	"context"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...segkafka.Header) error
}

// Relay polls the outbox and publishes claimed rows. Delivery is at-least-once:
// a crash between publish and MarkSent leaves the row claimable and the event
// is published again, which consumers absorb through the consume log.
type Relay struct {
	Store     ClaimStore
	Pub       Publisher
	Source    string
	BatchSize int
	Interval  time.Duration
	BaseRetry time.Duration
	MaxRetry  time.Duration
	Log       *zap.Logger
}

func NewRelay(store ClaimStore, pub Publisher, source string, batchSize int, interval, baseRetry, maxRetry time.Duration, log *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	if baseRetry <= 0 {
		baseRetry = 5 * time.Second
	}
	if maxRetry <= 0 {
		maxRetry = time.Hour
	}
	return &Relay{
		Store: store, Pub: pub, Source: source,
		BatchSize: batchSize, Interval: interval,
		BaseRetry: baseRetry, MaxRetry: maxRetry,
		Log: log.Named("outbox-relay"),
	}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Log.Info("relay started", zap.Duration("interval", r.Interval), zap.Int("batchSize", r.BatchSize))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.Log.Error("relay tick failed", zap.Error(err))
			}
		}
	}
}

// Tick claims one batch and publishes it. Individual publish failures are
// absorbed into RETRY/DEAD marks; only infrastructure errors propagate.
func (r *Relay) Tick(ctx context.Context) error {
	return r.Store.WithClaimed(ctx, r.BatchSize, func(ctx context.Context, recs []Record, m Marker) error {
		for _, rec := range recs {
			r.publishOne(ctx, rec, m)
		}
		return nil
	})
}

func (r *Relay) publishOne(ctx context.Context, rec Record, m Marker) {
	log := r.Log.With(
		zap.String("eventId", rec.EventID),
		zap.String("bizKey", rec.BizKey),
		zap.String("topic", rec.Topic),
		zap.String("traceId", rec.TraceID),
		zap.Int("retryCount", rec.RetryCount),
	)

	env := event.Envelope{
		MessageID:   rec.EventID,
		BusinessKey: rec.BizKey,
		TraceID:     rec.TraceID,
		EventType:   rec.Tag,
		Version:     "1.0",
		EventTime:   rec.CreatedAt.UTC(),
		Source:      r.Source,
		Payload:     rec.Payload,
	}

	err := r.Pub.Publish(ctx, rec.Topic, event.PartitionKey(rec.BizKey), event.MustMarshal(env),
		segkafka.Header{Key: "x-event-type", Value: []byte(rec.Tag)},
		segkafka.Header{Key: "x-trace-id", Value: []byte(rec.TraceID)},
	)
	if err == nil {
		if ok, mErr := m.MarkSent(ctx, rec.EventID, rec.Version); mErr != nil {
			log.Error("mark sent errored", zap.Error(mErr))
		} else if ok {
			log.Info("event published")
		}
		return
	}

	if rec.RetryCount+1 >= rec.MaxRetry {
		if ok, mErr := m.MarkDead(ctx, rec.EventID, err.Error(), rec.Version); mErr != nil {
			log.Error("mark dead errored", zap.Error(mErr))
		} else if ok {
			log.Error("event marked DEAD after max retries", zap.Error(err))
		}
		return
	}

	next := time.Now().Add(r.backoff(rec.RetryCount + 1))
	if ok, mErr := m.MarkRetry(ctx, rec.EventID, next, err.Error(), rec.Version); mErr != nil {
		log.Error("mark retry errored", zap.Error(mErr))
	} else if ok {
		log.Warn("publish failed, scheduled retry", zap.Time("nextRetryAt", next), zap.Error(err))
	}
}

// backoff grows as base * 2^(n-1), capped at MaxRetry.
func (r *Relay) backoff(retryCount int) time.Duration {
	d := r.BaseRetry
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= r.MaxRetry {
			return r.MaxRetry
		}
	}
	if d > r.MaxRetry {
		return r.MaxRetry
	}
	return d
}
