package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no order row exists for the order number.
	ErrNotFound = errors.New("order: not found")
	// ErrDuplicate signals the order number is already taken.
	ErrDuplicate = errors.New("order: duplicate order number")
)

// Repository provides pgx-backed access to orders and their audit events.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const orderColumns = `order_no, user_id::text, status, esim_status, smdp_status, qr_code, iccid,
       data_used, data_remaining, days_remaining, expiry_date, last_error, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.OrderNo,
		&o.UserID,
		&o.Status,
		&o.EsimStatus,
		&o.SMDPStatus,
		&o.QRCode,
		&o.ICCID,
		&o.DataUsed,
		&o.DataRemaining,
		&o.DaysRemaining,
		&o.ExpiryDate,
		&o.LastError,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	return o, err
}

// Create inserts a new order in the initial PROCESSING state. Package and
// payment details live outside this core; only the fulfillment-relevant
// columns are written here.
func (r *Repository) Create(ctx context.Context, orderNo string, userID *string) (Order, error) {
	if orderNo == "" {
		return Order{}, fmt.Errorf("order: order number required")
	}

	const insertSQL = `
		INSERT INTO orders (order_no, user_id, status)
		VALUES ($1, $2, 'PROCESSING')
		RETURNING ` + orderColumns

	o, err := scanOrder(r.pool.QueryRow(ctx, insertSQL, orderNo, userID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Order{}, ErrDuplicate
		}
		return Order{}, fmt.Errorf("order: create: %w", err)
	}
	return o, nil
}

// Get loads one order by number.
func (r *Repository) Get(ctx context.Context, orderNo string) (Order, error) {
	const selectSQL = `SELECT ` + orderColumns + ` FROM orders WHERE order_no = $1`

	o, err := scanOrder(r.pool.QueryRow(ctx, selectSQL, orderNo))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return o, nil
}

// TransitionStatus moves an order from one status to another with a
// compare-and-set write: the update only lands if the row still carries the
// expected current status. A false return means another writer got there
// first and the caller should reload and re-plan. The applied transition is
// recorded in order_events inside the same transaction.
func (r *Repository) TransitionStatus(ctx context.Context, orderNo string, from, to Status, u Updates, source, detail string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("order: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
		UPDATE orders
		SET status = $3,
		    qr_code        = COALESCE($4, qr_code),
		    iccid          = COALESCE($5, iccid),
		    esim_status    = COALESCE($6, esim_status),
		    smdp_status    = COALESCE($7, smdp_status),
		    data_used      = COALESCE($8, data_used),
		    data_remaining = COALESCE($9, data_remaining),
		    days_remaining = COALESCE($10, days_remaining),
		    expiry_date    = COALESCE($11, expiry_date),
		    last_error     = COALESCE($12, last_error),
		    updated_at     = now()
		WHERE order_no = $1 AND status = $2
	`

	tag, err := tx.Exec(ctx, updateSQL, orderNo, from, to,
		u.QRCode, u.ICCID, u.EsimStatus, u.SMDPStatus,
		u.DataUsed, u.DataRemaining, u.DaysRemaining, u.ExpiryDate, u.LastError)
	if err != nil {
		return false, fmt.Errorf("order: transition update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var detailArg any
	if detail != "" {
		detailArg = detail
	}
	const eventSQL = `
		INSERT INTO order_events (order_no, from_status, to_status, source, detail)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, eventSQL, orderNo, from, to, source, detailArg); err != nil {
		return false, fmt.Errorf("order: append order event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("order: commit transition: %w", err)
	}
	return true, nil
}

// ApplyUsage merges non-status profile fields (sub-statuses, data usage,
// validity) without touching the state machine. Usage keeps flowing after an
// order completes, so this write is unconditioned on status.
func (r *Repository) ApplyUsage(ctx context.Context, orderNo string, u Updates) error {
	if u.empty() {
		return nil
	}

	const updateSQL = `
		UPDATE orders
		SET qr_code        = COALESCE($2, qr_code),
		    iccid          = COALESCE($3, iccid),
		    esim_status    = COALESCE($4, esim_status),
		    smdp_status    = COALESCE($5, smdp_status),
		    data_used      = COALESCE($6, data_used),
		    data_remaining = COALESCE($7, data_remaining),
		    days_remaining = COALESCE($8, days_remaining),
		    expiry_date    = COALESCE($9, expiry_date),
		    last_error     = COALESCE($10, last_error),
		    updated_at     = now()
		WHERE order_no = $1
	`

	tag, err := r.pool.Exec(ctx, updateSQL, orderNo,
		u.QRCode, u.ICCID, u.EsimStatus, u.SMDPStatus,
		u.DataUsed, u.DataRemaining, u.DaysRemaining, u.ExpiryDate, u.LastError)
	if err != nil {
		return fmt.Errorf("order: apply usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Events returns the applied transitions for an order, oldest first.
func (r *Repository) Events(ctx context.Context, orderNo string) ([]Event, error) {
	const query = `
		SELECT id, order_no, from_status, to_status, source, detail, created_at
		FROM order_events
		WHERE order_no = $1
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, query, orderNo)
	if err != nil {
		return nil, fmt.Errorf("order: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.OrderNo, &e.FromStatus, &e.ToStatus, &e.Source, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("order: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate events: %w", err)
	}
	return events, nil
}
