// Package consumelog is the idempotent-consumption ledger. Every consumer must
// pass TryAcquire before applying side effects; the unique
// (event_id, consumer_group) constraint makes the first insert win and turns
// every later delivery into a status lookup. Rows are never expired so an
// arbitrarily delayed redelivery is still recognized.
package consumelog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusIgnored    Status = "IGNORED"
)

// Terminal reports whether no further attempt will change this record.
// FAILED is terminal for the record but still permits a bounded retry of the
// underlying work.
func (s Status) Terminal() bool { return s != StatusProcessing }

type Record struct {
	EventID       string
	ConsumerGroup string
	Status        Status
	Topic         string
	Tag           string
	BizKey        string
	Result        string
	IgnoredReason string
	TraceID       string
	Attempts      int
	CostMs        int64
}

// Store is the ledger contract. TryAcquire returns (nil, nil) when this
// delivery won the insert race and may proceed; otherwise it returns the
// existing record for the caller to branch on.
type Store interface {
	TryAcquire(ctx context.Context, eventID, group, topic, tag, bizKey, traceID string) (*Record, error)
	MarkSuccess(ctx context.Context, eventID, group, result string, costMs int64) error
	MarkFailed(ctx context.Context, eventID, group, result string, costMs int64) error
	MarkIgnored(ctx context.Context, eventID, group, result, reason string, costMs int64) error
}

type PGStore struct {
	DB *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) TryAcquire(ctx context.Context, eventID, group, topic, tag, bizKey, traceID string) (*Record, error) {
	if rec, err := s.find(ctx, eventID, group); err != nil {
		return nil, err
	} else if rec != nil {
		return rec, nil
	}

	_, err := s.DB.Exec(ctx, `
		INSERT INTO mq_consume_log(event_id, consumer_group, status, topic, tag, biz_key, trace_id, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`,
		eventID, group, StatusProcessing, topic, tag, bizKey, traceID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the insert race to a concurrent or prior delivery.
			return s.find(ctx, eventID, group)
		}
		return nil, err
	}
	return nil, nil
}

func (s *PGStore) MarkSuccess(ctx context.Context, eventID, group, result string, costMs int64) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE mq_consume_log
		SET status=$3, result=$4, cost_ms=$5, updated_at=now()
		WHERE event_id=$1 AND consumer_group=$2`,
		eventID, group, StatusSuccess, truncate(result), costMs)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, eventID, group, result string, costMs int64) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE mq_consume_log
		SET status=$3, result=$4, cost_ms=$5, attempts=attempts+1, updated_at=now()
		WHERE event_id=$1 AND consumer_group=$2`,
		eventID, group, StatusFailed, truncate(result), costMs)
	return err
}

func (s *PGStore) MarkIgnored(ctx context.Context, eventID, group, result, reason string, costMs int64) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE mq_consume_log
		SET status=$3, result=$4, ignored_reason=$5, cost_ms=$6, updated_at=now()
		WHERE event_id=$1 AND consumer_group=$2`,
		eventID, group, StatusIgnored, truncate(result), truncate(reason), costMs)
	return err
}

func (s *PGStore) find(ctx context.Context, eventID, group string) (*Record, error) {
	var rec Record
	err := s.DB.QueryRow(ctx, `
		SELECT event_id, consumer_group, status, coalesce(topic,''), coalesce(tag,''),
		       coalesce(biz_key,''), coalesce(result,''), coalesce(ignored_reason,''),
		       coalesce(trace_id,''), attempts, coalesce(cost_ms,0)
		FROM mq_consume_log WHERE event_id=$1 AND consumer_group=$2`,
		eventID, group).Scan(
		&rec.EventID, &rec.ConsumerGroup, &rec.Status, &rec.Topic, &rec.Tag,
		&rec.BizKey, &rec.Result, &rec.IgnoredReason, &rec.TraceID, &rec.Attempts, &rec.CostMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func truncate(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
