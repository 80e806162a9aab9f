package consumelog

import (
	"context"
	"fmt"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
	kafkax "github.com/Zdanquxunhuan/ymall-claude-sub000/internal/kafka"
)

// Result is what a gated handler reports back. Ignored marks the consumption
// IGNORED (a terminal outcome distinct from success and failure, never
// retried); otherwise the record is marked SUCCESS.
type Result struct {
	Ignored bool
	Reason  string
	Detail  string
}

func Applied(detail string) Result { return Result{Detail: detail} }

func Ignored(reason, detail string) Result {
	return Result{Ignored: true, Reason: reason, Detail: detail}
}

// EventHandler is the business half of a consumer: it only runs for deliveries
// that passed the ledger.
type EventHandler func(ctx context.Context, env event.Envelope) (Result, error)

// Gate wraps an EventHandler with the idempotent-consumption protocol:
// envelope decode, TryAcquire branch, bounded retry, and exactly one terminal
// mark per delivery that reaches a decision.
type Gate struct {
	Store       Store
	Group       string
	Topic       string
	MaxAttempts int
	Log         *zap.Logger
}

func NewGate(store Store, group, topic string, maxAttempts int, log *zap.Logger) *Gate {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Gate{
		Store:       store,
		Group:       group,
		Topic:       topic,
		MaxAttempts: maxAttempts,
		Log:         log.With(zap.String("group", group), zap.String("topic", topic)),
	}
}

func (g *Gate) Wrap(fn EventHandler) kafkax.Handler {
	return func(ctx context.Context, m segkafka.Message) error {
		start := time.Now()

		env, err := event.UnmarshalEnvelope(m.Value)
		if err != nil {
			// Malformed input is a validation failure: never retried.
			g.Log.Error("drop undecodable message", zap.Error(err))
			return nil
		}
		log := g.Log.With(
			zap.String("eventId", env.MessageID),
			zap.String("bizKey", env.BusinessKey),
			zap.String("traceId", env.TraceID),
		)

		rec, err := g.Store.TryAcquire(ctx, env.MessageID, g.Group, g.Topic, env.EventType, env.BusinessKey, env.TraceID)
		if err != nil {
			log.Error("consume log acquire failed", zap.Error(err))
			return err
		}
		if rec != nil {
			switch rec.Status {
			case StatusSuccess, StatusIgnored:
				log.Info("already processed, skip", zap.String("status", string(rec.Status)))
				return nil
			case StatusProcessing:
				// Another instance holds the work; abort without committing so
				// the broker redelivers later instead of us spinning on it.
				return fmt.Errorf("event %s in flight on %s", env.MessageID, g.Group)
			case StatusFailed:
				if rec.Attempts >= g.MaxAttempts {
					log.Error("attempts exhausted, abandoning delivery",
						zap.Int("attempts", rec.Attempts))
					return nil
				}
				log.Info("retrying failed event", zap.Int("attempts", rec.Attempts))
			}
		}

		res, err := fn(ctx, env)
		cost := time.Since(start).Milliseconds()
		if err != nil {
			log.Error("consume failed", zap.Error(err), zap.Int64("costMs", cost))
			if mErr := g.Store.MarkFailed(ctx, env.MessageID, g.Group, err.Error(), cost); mErr != nil {
				log.Error("mark failed errored", zap.Error(mErr))
			}
			return err
		}
		if res.Ignored {
			log.Warn("consumption ignored", zap.String("reason", res.Reason), zap.Int64("costMs", cost))
			if mErr := g.Store.MarkIgnored(ctx, env.MessageID, g.Group, res.Detail, res.Reason, cost); mErr != nil {
				log.Error("mark ignored errored", zap.Error(mErr))
				return mErr
			}
			return nil
		}
		if mErr := g.Store.MarkSuccess(ctx, env.MessageID, g.Group, res.Detail, cost); mErr != nil {
			log.Error("mark success errored", zap.Error(mErr))
			return mErr
		}
		log.Info("consumed", zap.Int64("costMs", cost))
		return nil
	}
}
