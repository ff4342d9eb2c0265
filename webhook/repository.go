package webhook

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores delivered webhook events as an append-only audit log.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert records a delivery. Events are stored before any processing so a
// crash mid-handling never loses the raw payload.
func (r *Repository) Insert(ctx context.Context, e *Event) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (order_no, transaction_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, received_at
	`, e.OrderNo, e.TransactionID, e.EventType, e.Payload).Scan(&e.ID, &e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("webhook: insert event: %w", err)
	}
	return nil
}

// ListByOrder returns the deliveries recorded for an order, newest first.
func (r *Repository) ListByOrder(ctx context.Context, orderNo string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_no, transaction_id, event_type, payload, received_at
		FROM webhook_events
		WHERE order_no = $1
		ORDER BY received_at DESC, id DESC
	`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("webhook: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.OrderNo, &e.TransactionID, &e.EventType, &e.Payload, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("webhook: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: iterate events: %w", err)
	}
	return events, nil
}
