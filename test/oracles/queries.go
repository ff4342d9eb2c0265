package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the database after a
// concurrency workload. Each query must return zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_unresolved_work",
			SQL: `SELECT order_no, work_type, COUNT(*) FROM queue_items
                  WHERE status IN ('PENDING','IN_PROGRESS')
                  GROUP BY order_no, work_type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_status_monotonic",
			SQL: `WITH ranked AS (
                      SELECT order_no, from_status, to_status,
                             CASE from_status WHEN 'PROCESSING' THEN 0 WHEN 'GOT_RESOURCE' THEN 1 ELSE 2 END AS rf,
                             CASE to_status   WHEN 'PROCESSING' THEN 0 WHEN 'GOT_RESOURCE' THEN 1 ELSE 2 END AS rt
                      FROM order_events)
                  SELECT * FROM ranked WHERE rt <= rf`,
		},
		{
			Name: "O3_terminal_absorbing",
			SQL: `SELECT * FROM order_events
                  WHERE from_status IN ('COMPLETED','FAILED')`,
		},
		{
			Name: "O4_retry_ceiling",
			SQL:  `SELECT id, retry_count, max_retries FROM queue_items WHERE retry_count > max_retries`,
		},
		{
			Name: "O5_claimed_items_stamped",
			SQL:  `SELECT id FROM queue_items WHERE status = 'IN_PROGRESS' AND claimed_at IS NULL`,
		},
		{
			Name: "O6_resolved_items_released",
			SQL:  `SELECT id FROM queue_items WHERE status IN ('COMPLETED','FAILED') AND claimed_at IS NOT NULL`,
		},
		{
			Name: "O7_failed_orders_carry_reason",
			SQL: `SELECT o.order_no FROM orders o
                  WHERE o.status = 'FAILED' AND o.last_error IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
