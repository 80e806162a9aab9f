package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the durable half of the dual store. Counter moves are guarded
// updates that report whether they hit, so callers can treat a miss as data
// to reconcile rather than an exception.
type Repo interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error

	// InsertReservation returns false when the (order, warehouse, sku) row
	// already exists.
	InsertReservation(ctx context.Context, tx pgx.Tx, r *Reservation) (bool, error)
	// CASReservation moves one reservation row from -> to and returns it.
	// ok is false when the row is absent or not in `from`.
	CASReservation(ctx context.Context, tx pgx.Tx, orderNo string, warehouseID, skuID int64, from, to ReservationStatus) (*Reservation, bool, error)
	FindReservations(ctx context.Context, orderNo string) ([]Reservation, error)
	// ClaimExpired locks up to limit RESERVED rows past their expiry with
	// SKIP LOCKED so concurrent reapers never fight over a row.
	ClaimExpired(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Reservation, error)

	// MoveReserve shifts qty from available to reserved when enough is
	// available; before/after are the available counter around the move.
	MoveReserve(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (before, after int64, ok bool, err error)
	// MoveConfirm burns qty out of reserved; available is untouched and
	// returned for the ledger row.
	MoveConfirm(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (available int64, ok bool, err error)
	// MoveRelease shifts qty from reserved back to available.
	MoveRelease(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (before, after int64, ok bool, err error)
	// MoveRestore adds qty to available (refund restock).
	MoveRestore(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (before, after int64, err error)

	AppendLedger(ctx context.Context, tx pgx.Tx, e LedgerEntry) error
	GetCounters(ctx context.Context, warehouseID, skuID int64) (*Counters, error)
	// ListCounters pages the stock table by (warehouse_id, sku_id) keyset.
	ListCounters(ctx context.Context, afterWarehouseID, afterSkuID int64, limit int) ([]Counters, error)
}

type PGRepo struct {
	DB *pgxpool.Pool
}

func NewPGRepo(db *pgxpool.Pool) *PGRepo {
	return &PGRepo{DB: db}
}

func (r *PGRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PGRepo) InsertReservation(ctx context.Context, tx pgx.Tx, res *Reservation) (bool, error) {
	err := tx.QueryRow(ctx,
		`INSERT INTO inventory_reservation
		        (order_no, warehouse_id, sku_id, qty, status, expires_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, 1)
		 RETURNING id, created_at, updated_at`,
		res.OrderNo, res.WarehouseID, res.SkuID, res.Qty, res.Status, res.ExpiresAt).
		Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert reservation: %w", err)
	}
	res.Version = 1
	return true, nil
}

const reservationCols = `id, order_no, warehouse_id, sku_id, qty, status, expires_at, version, created_at, updated_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	err := row.Scan(&res.ID, &res.OrderNo, &res.WarehouseID, &res.SkuID, &res.Qty,
		&res.Status, &res.ExpiresAt, &res.Version, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	return &res, nil
}

func (r *PGRepo) CASReservation(ctx context.Context, tx pgx.Tx, orderNo string, warehouseID, skuID int64, from, to ReservationStatus) (*Reservation, bool, error) {
	row := tx.QueryRow(ctx,
		`UPDATE inventory_reservation
		 SET status = $1, version = version + 1, updated_at = now()
		 WHERE order_no = $2 AND warehouse_id = $3 AND sku_id = $4 AND status = $5
		 RETURNING `+reservationCols,
		to, orderNo, warehouseID, skuID, from)
	res, err := scanReservation(row)
	if err != nil {
		return nil, false, err
	}
	return res, res != nil, nil
}

func (r *PGRepo) FindReservations(ctx context.Context, orderNo string) ([]Reservation, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT `+reservationCols+` FROM inventory_reservation WHERE order_no = $1 ORDER BY id`,
		orderNo)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	return collectReservations(rows)
}

func (r *PGRepo) ClaimExpired(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Reservation, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+reservationCols+`
		 FROM inventory_reservation
		 WHERE status = $1 AND expires_at <= $2
		 ORDER BY expires_at
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		ReservationReserved, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim expired: %w", err)
	}
	return collectReservations(rows)
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.OrderNo, &res.WarehouseID, &res.SkuID, &res.Qty,
			&res.Status, &res.ExpiresAt, &res.Version, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *PGRepo) MoveReserve(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (int64, int64, bool, error) {
	var after int64
	err := tx.QueryRow(ctx,
		`UPDATE inventory
		 SET available = available - $1, reserved = reserved + $1,
		     version = version + 1, updated_at = now()
		 WHERE warehouse_id = $2 AND sku_id = $3 AND available >= $1
		 RETURNING available`,
		qty, warehouseID, skuID).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("move reserve: %w", err)
	}
	return after + int64(qty), after, true, nil
}

func (r *PGRepo) MoveConfirm(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (int64, bool, error) {
	var available int64
	err := tx.QueryRow(ctx,
		`UPDATE inventory
		 SET reserved = reserved - $1, version = version + 1, updated_at = now()
		 WHERE warehouse_id = $2 AND sku_id = $3 AND reserved >= $1
		 RETURNING available`,
		qty, warehouseID, skuID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("move confirm: %w", err)
	}
	return available, true, nil
}

func (r *PGRepo) MoveRelease(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (int64, int64, bool, error) {
	var after int64
	err := tx.QueryRow(ctx,
		`UPDATE inventory
		 SET available = available + $1, reserved = reserved - $1,
		     version = version + 1, updated_at = now()
		 WHERE warehouse_id = $2 AND sku_id = $3 AND reserved >= $1
		 RETURNING available`,
		qty, warehouseID, skuID).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("move release: %w", err)
	}
	return after - int64(qty), after, true, nil
}

func (r *PGRepo) MoveRestore(ctx context.Context, tx pgx.Tx, warehouseID, skuID int64, qty int) (int64, int64, error) {
	var after int64
	err := tx.QueryRow(ctx,
		`UPDATE inventory
		 SET available = available + $1, version = version + 1, updated_at = now()
		 WHERE warehouse_id = $2 AND sku_id = $3
		 RETURNING available`,
		qty, warehouseID, skuID).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("move restore: counters missing for wh=%d sku=%d", warehouseID, skuID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("move restore: %w", err)
	}
	return after - int64(qty), after, nil
}

func (r *PGRepo) AppendLedger(ctx context.Context, tx pgx.Tx, e LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO inventory_ledger
		        (order_no, warehouse_id, sku_id, qty, reason, available_before, available_after, ref_no)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.OrderNo, e.WarehouseID, e.SkuID, e.Qty, e.Reason,
		e.AvailableBefore, e.AvailableAfter, e.RefNo)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (r *PGRepo) GetCounters(ctx context.Context, warehouseID, skuID int64) (*Counters, error) {
	var c Counters
	err := r.DB.QueryRow(ctx,
		`SELECT warehouse_id, sku_id, available, reserved, version, updated_at
		 FROM inventory WHERE warehouse_id = $1 AND sku_id = $2`,
		warehouseID, skuID).
		Scan(&c.WarehouseID, &c.SkuID, &c.Available, &c.Reserved, &c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get counters: %w", err)
	}
	return &c, nil
}

func (r *PGRepo) ListCounters(ctx context.Context, afterWarehouseID, afterSkuID int64, limit int) ([]Counters, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT warehouse_id, sku_id, available, reserved, version, updated_at
		 FROM inventory
		 WHERE (warehouse_id, sku_id) > ($1, $2)
		 ORDER BY warehouse_id, sku_id
		 LIMIT $3`,
		afterWarehouseID, afterSkuID, limit)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()

	var out []Counters
	for rows.Next() {
		var c Counters
		if err := rows.Scan(&c.WarehouseID, &c.SkuID, &c.Available, &c.Reserved, &c.Version, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
