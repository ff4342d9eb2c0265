package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUnknownWorkType is returned for an enqueue with an unlisted work type.
	ErrUnknownWorkType = errors.New("queue: unknown work type")
	// ErrNotClaimed signals a write against an item this worker no longer owns.
	ErrNotClaimed = errors.New("queue: item not claimed by this worker")
)

// Repository is the durable queue store. All claim and resolve operations are
// atomic conditional updates so overlapping batch runs, including runs from
// separate processes, never own the same item twice.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, order_no, work_type, status, retry_count, max_retries, last_error,
       next_attempt, claimed_at, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(
		&it.ID,
		&it.OrderNo,
		&it.WorkType,
		&it.Status,
		&it.RetryCount,
		&it.MaxRetries,
		&it.LastError,
		&it.NextAttempt,
		&it.ClaimedAt,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	return it, err
}

// Enqueue inserts a PENDING item for (orderNo, workType) unless an unresolved
// one already exists, in which case that item is returned unchanged. The
// partial unique index makes the duplicate check race-free. The second return
// reports whether a new row was created.
func (r *Repository) Enqueue(ctx context.Context, orderNo string, workType WorkType, maxRetries int) (Item, bool, error) {
	if orderNo == "" {
		return Item{}, false, fmt.Errorf("queue: order number required")
	}
	if !ValidWorkType(workType) {
		return Item{}, false, fmt.Errorf("%w: %q", ErrUnknownWorkType, workType)
	}

	const insertSQL = `
		INSERT INTO queue_items (order_no, work_type, status, max_retries)
		VALUES ($1, $2, 'PENDING', $3)
		ON CONFLICT (order_no, work_type) WHERE status IN ('PENDING', 'IN_PROGRESS') DO NOTHING
		RETURNING ` + itemColumns

	const selectSQL = `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE order_no = $1 AND work_type = $2 AND status IN ('PENDING', 'IN_PROGRESS')
		LIMIT 1
	`

	for attempt := 0; attempt < 3; attempt++ {
		item, err := scanItem(r.pool.QueryRow(ctx, insertSQL, orderNo, workType, maxRetries))
		switch {
		case err == nil:
			return item, true, nil
		case errors.Is(err, pgx.ErrNoRows):
			// Coalesce onto the existing unresolved item.
		default:
			return Item{}, false, fmt.Errorf("queue: enqueue: %w", err)
		}

		item, err = scanItem(r.pool.QueryRow(ctx, selectSQL, orderNo, workType))
		switch {
		case err == nil:
			return item, false, nil
		case errors.Is(err, pgx.ErrNoRows):
			// The blocking row resolved between the insert and the select;
			// insert again.
			continue
		default:
			return Item{}, false, fmt.Errorf("queue: load coalesced item: %w", err)
		}
	}
	return Item{}, false, fmt.Errorf("queue: enqueue %s/%s: item kept resolving mid-insert", orderNo, workType)
}

// ClaimBatch atomically flips up to limit eligible PENDING items to
// IN_PROGRESS and returns them. SKIP LOCKED keeps overlapping invocations
// from claiming the same rows; a row already claimed elsewhere is silently
// skipped.
func (r *Repository) ClaimBatch(ctx context.Context, limit int) ([]Item, error) {
	const claimSQL = `
		UPDATE queue_items
		SET status = 'IN_PROGRESS', claimed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'PENDING' AND next_attempt <= now()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := r.pool.Query(ctx, claimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: claim batch: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0, limit)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan claimed item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate claimed items: %w", err)
	}
	return items, nil
}

// MarkCompleted resolves a claimed item successfully. retry_count keeps the
// number of failed attempts that preceded the success.
func (r *Repository) MarkCompleted(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'COMPLETED', claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id)
	if err != nil {
		return fmt.Errorf("queue: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Requeue returns a claimed item to PENDING after a transient failure,
// recording the attempt count, the error and the earliest next attempt time.
func (r *Repository) Requeue(ctx context.Context, id int64, retryCount int, lastError string, nextAttempt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'PENDING', retry_count = $2, last_error = $3,
		    next_attempt = $4, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id, retryCount, lastError, nextAttempt)
	if err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// MarkFailed resolves a claimed item as terminally failed.
func (r *Repository) MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'FAILED', retry_count = LEAST($2, max_retries), last_error = $3,
		    claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id, retryCount, lastError)
	if err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// FailUnresolved terminally fails every unresolved item for an order. Used
// when a webhook delivers a permanent provider failure while work is still
// queued. No-op when nothing is unresolved.
func (r *Repository) FailUnresolved(ctx context.Context, orderNo, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'FAILED', last_error = $2, claimed_at = NULL, updated_at = now()
		WHERE order_no = $1 AND status IN ('PENDING', 'IN_PROGRESS')
	`, orderNo, reason)
	if err != nil {
		return fmt.Errorf("queue: fail unresolved: %w", err)
	}
	return nil
}

// ReclaimStale reverts IN_PROGRESS items whose claim is older than staleAfter
// back to PENDING, counting the stall as one transient failure. This frees
// items orphaned by a worker that died mid-batch.
func (r *Repository) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'PENDING', retry_count = LEAST(retry_count + 1, max_retries),
		    last_error = 'reclaimed: processing stalled', claimed_at = NULL, updated_at = now()
		WHERE status = 'IN_PROGRESS' AND claimed_at < now() - $1::interval
	`, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailExpired terminally fails PENDING items older than maxAge and returns
// them so the caller can propagate the failure to their orders.
func (r *Repository) FailExpired(ctx context.Context, maxAge time.Duration) ([]Item, error) {
	const expireSQL = `
		UPDATE queue_items
		SET status = 'FAILED', last_error = 'fulfillment deadline exceeded', updated_at = now()
		WHERE status = 'PENDING' AND created_at < now() - $1::interval
		RETURNING ` + itemColumns

	rows, err := r.pool.Query(ctx, expireSQL, maxAge.String())
	if err != nil {
		return nil, fmt.Errorf("queue: fail expired: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan expired item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate expired items: %w", err)
	}
	return items, nil
}

// LatestForOrder returns the most recent queue item for an order, if any.
func (r *Repository) LatestForOrder(ctx context.Context, orderNo string) (Item, bool, error) {
	const query = `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE order_no = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	item, err := scanItem(r.pool.QueryRow(ctx, query, orderNo))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("queue: latest for order: %w", err)
	}
	return item, true, nil
}
