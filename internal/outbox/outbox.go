// Package outbox implements the transactional outbox: outbound events are
// staged in the same local transaction as the aggregate write, and a relay
// publishes staged rows to the broker afterwards. This is the commit-then-
// publish seam that replaces a distributed transaction.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
)

type Status string

const (
	StatusNew   Status = "NEW"
	StatusSent  Status = "SENT"
	StatusRetry Status = "RETRY"
	StatusDead  Status = "DEAD"
)

type Record struct {
	ID          int64
	EventID     string
	BizKey      string
	Topic       string
	Tag         string
	Payload     []byte
	Status      Status
	RetryCount  int
	MaxRetry    int
	NextRetryAt *time.Time
	SentAt      *time.Time
	LastError   string
	TraceID     string
	Version     int
	CreatedAt   time.Time
}

// Marker finalizes claimed rows. Every mark is a version-guarded CAS so a
// competing relay instance can never overwrite a newer outcome.
type Marker interface {
	MarkSent(ctx context.Context, eventID string, version int) (bool, error)
	MarkRetry(ctx context.Context, eventID string, nextRetryAt time.Time, lastError string, version int) (bool, error)
	MarkDead(ctx context.Context, eventID string, lastError string, version int) (bool, error)
}

// ClaimStore hands a batch of publishable rows to fn while holding row locks,
// so concurrent relay instances never double-claim.
type ClaimStore interface {
	WithClaimed(ctx context.Context, limit int, fn func(ctx context.Context, recs []Record, m Marker) error) error
}

type PGStore struct {
	DB       *pgxpool.Pool
	MaxRetry int
}

func NewPGStore(db *pgxpool.Pool, maxRetry int) *PGStore {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &PGStore{DB: db, MaxRetry: maxRetry}
}

// Stage inserts a NEW outbox row inside the caller's transaction and returns
// the generated event id, which later becomes the message id on the wire.
func (s *PGStore) Stage(ctx context.Context, tx pgx.Tx, bizKey, topic, tag string, payload any, traceID string) (string, error) {
	eventID := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event(event_id, biz_key, topic, tag, payload, status, retry_count, max_retry, trace_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, 0)`,
		eventID, bizKey, topic, tag, event.MustMarshal(payload), StatusNew, s.MaxRetry, traceID)
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// WithClaimed selects NEW rows and due RETRY rows in insertion order with
// FOR UPDATE SKIP LOCKED, then runs fn in the same transaction.
func (s *PGStore) WithClaimed(ctx context.Context, limit int, fn func(ctx context.Context, recs []Record, m Marker) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, biz_key, topic, coalesce(tag,''), payload, status,
		       retry_count, max_retry, next_retry_at, sent_at, coalesce(last_error,''),
		       coalesce(trace_id,''), version, created_at
		FROM outbox_event
		WHERE status = 'NEW' OR (status = 'RETRY' AND next_retry_at <= now())
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return err
	}
	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.EventID, &r.BizKey, &r.Topic, &r.Tag, &r.Payload, &r.Status,
			&r.RetryCount, &r.MaxRetry, &r.NextRetryAt, &r.SentAt, &r.LastError,
			&r.TraceID, &r.Version, &r.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return tx.Commit(ctx)
	}

	if err := fn(ctx, recs, txMarker{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txMarker struct{ tx pgx.Tx }

func (m txMarker) MarkSent(ctx context.Context, eventID string, version int) (bool, error) {
	ct, err := m.tx.Exec(ctx, `
		UPDATE outbox_event
		SET status='SENT', sent_at=now(), version=version+1, updated_at=now()
		WHERE event_id=$1 AND version=$2`, eventID, version)
	return err == nil && ct.RowsAffected() > 0, err
}

func (m txMarker) MarkRetry(ctx context.Context, eventID string, nextRetryAt time.Time, lastError string, version int) (bool, error) {
	ct, err := m.tx.Exec(ctx, `
		UPDATE outbox_event
		SET status='RETRY', retry_count=retry_count+1, next_retry_at=$3, last_error=$4,
		    version=version+1, updated_at=now()
		WHERE event_id=$1 AND version=$2`, eventID, version, nextRetryAt, truncate(lastError))
	return err == nil && ct.RowsAffected() > 0, err
}

func (m txMarker) MarkDead(ctx context.Context, eventID string, lastError string, version int) (bool, error) {
	ct, err := m.tx.Exec(ctx, `
		UPDATE outbox_event
		SET status='DEAD', retry_count=retry_count+1, last_error=$3,
		    version=version+1, updated_at=now()
		WHERE event_id=$1 AND version=$2`, eventID, version, truncate(lastError))
	return err == nil && ct.RowsAffected() > 0, err
}

func truncate(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
