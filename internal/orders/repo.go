package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateRequest means another request with the same (user, client
// request id) already created an order. Callers re-read and return that one.
var ErrDuplicateRequest = errors.New("orders: duplicate client request")

// StageFunc runs inside the same transaction as the write that triggered it,
// typically to append an outbox record. tx is nil only in test fakes.
type StageFunc func(ctx context.Context, tx pgx.Tx) error

type Store interface {
	FindByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	FindByClientRequest(ctx context.Context, userID int64, clientRequestID string) (*Order, error)
	FindItems(ctx context.Context, orderNo string) ([]OrderItem, error)
	// Create inserts the order, its items and the CREATE audit row, then runs
	// stage, all in one transaction.
	Create(ctx context.Context, ord *Order, items []OrderItem, stage StageFunc) error
	// ApplyTransition does a compare-and-set on status. When the CAS hits, it
	// appends the audit row and runs stage in the same transaction and
	// returns true. When the row moved away from `from`, nothing is written
	// and it returns false.
	ApplyTransition(ctx context.Context, orderNo string, from, to Status, flow StateFlow, stage StageFunc) (bool, error)
	SaveIgnoredFlow(ctx context.Context, flow StateFlow) error
	SetPayNo(ctx context.Context, orderNo, payNo string) error
}

type PGStore struct {
	DB *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{DB: db}
}

const orderCols = `id, order_no, user_id, status, amount, version,
	client_request_id, price_lock_no, coalesce(pay_no, ''), coalesce(remark, ''), created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNo, &o.UserID, &o.Status, &o.Amount, &o.Version,
		&o.ClientRequestID, &o.PriceLockNo, &o.PayNo, &o.Remark, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

func (s *PGStore) FindByOrderNo(ctx context.Context, orderNo string) (*Order, error) {
	row := s.DB.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE order_no = $1`, orderNo)
	return scanOrder(row)
}

func (s *PGStore) FindByClientRequest(ctx context.Context, userID int64, clientRequestID string) (*Order, error) {
	row := s.DB.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE user_id = $1 AND client_request_id = $2`,
		userID, clientRequestID)
	return scanOrder(row)
}

func (s *PGStore) FindItems(ctx context.Context, orderNo string) ([]OrderItem, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT id, order_no, sku_id, warehouse_id, qty, title_snapshot,
		        price_snapshot, discount_amount, payable_amount
		 FROM order_item WHERE order_no = $1 ORDER BY id`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderNo, &it.SkuID, &it.WarehouseID, &it.Qty,
			&it.TitleSnapshot, &it.PriceSnapshot, &it.DiscountAmount, &it.PayableAmount); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PGStore) Create(ctx context.Context, ord *Order, items []OrderItem, stage StageFunc) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (order_no, user_id, status, amount, version,
		        client_request_id, price_lock_no, remark)
		 VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		ord.OrderNo, ord.UserID, ord.Status, ord.Amount,
		ord.ClientRequestID, ord.PriceLockNo, ord.Remark).
		Scan(&ord.ID, &ord.CreatedAt, &ord.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRequest
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	ord.Version = 1

	for i := range items {
		items[i].OrderNo = ord.OrderNo
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_item (order_no, sku_id, warehouse_id, qty,
			        title_snapshot, price_snapshot, discount_amount, payable_amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			items[i].OrderNo, items[i].SkuID, items[i].WarehouseID, items[i].Qty,
			items[i].TitleSnapshot, items[i].PriceSnapshot,
			items[i].DiscountAmount, items[i].PayableAmount); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := insertFlow(ctx, tx, StateFlow{
		OrderNo:    ord.OrderNo,
		FromStatus: ord.Status,
		ToStatus:   ord.Status,
		Event:      EventCreate,
		Operator:   fmt.Sprintf("user:%d", ord.UserID),
	}); err != nil {
		return err
	}

	if stage != nil {
		if err := stage(ctx, tx); err != nil {
			return fmt.Errorf("stage on create: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ApplyTransition(ctx context.Context, orderNo string, from, to Status, flow StateFlow, stage StageFunc) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx,
		`UPDATE orders SET status = $1, version = version + 1, updated_at = now()
		 WHERE order_no = $2 AND status = $3`,
		to, orderNo, from)
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertFlow(ctx, tx, flow); err != nil {
		return false, err
	}
	if stage != nil {
		if err := stage(ctx, tx); err != nil {
			return false, fmt.Errorf("stage on transition: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *PGStore) SaveIgnoredFlow(ctx context.Context, flow StateFlow) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO order_state_flow (order_no, from_status, to_status, event,
		        event_id, operator, remark, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		flow.OrderNo, flow.FromStatus, flow.ToStatus, flow.Event,
		flow.EventID, flow.Operator, flow.Remark, flow.TraceID)
	if err != nil {
		return fmt.Errorf("insert ignored flow: %w", err)
	}
	return nil
}

func (s *PGStore) SetPayNo(ctx context.Context, orderNo, payNo string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE orders SET pay_no = $1, updated_at = now() WHERE order_no = $2`,
		payNo, orderNo)
	if err != nil {
		return fmt.Errorf("set pay_no: %w", err)
	}
	return nil
}

func insertFlow(ctx context.Context, tx pgx.Tx, flow StateFlow) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO order_state_flow (order_no, from_status, to_status, event,
		        event_id, operator, remark, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		flow.OrderNo, flow.FromStatus, flow.ToStatus, flow.Event,
		flow.EventID, flow.Operator, flow.Remark, flow.TraceID)
	if err != nil {
		return fmt.Errorf("insert state flow: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
