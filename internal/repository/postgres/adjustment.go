package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
)

// adjustmentLog is insert-only; there is no update or delete path.
type adjustmentLog struct {
	tx *sql.Tx
}

func (l *adjustmentLog) Append(ctx context.Context, adj *entity.StockAdjustment) error {
	if adj.Delta == 0 {
		return fmt.Errorf("stock adjustment delta must not be zero")
	}
	if adj.RecordedAt.IsZero() {
		adj.RecordedAt = time.Now().UTC()
	}

	err := l.tx.QueryRowContext(ctx, `
		INSERT INTO stock_adjustments (product_id, delta, reason, actor_id, actor_role, note, order_id, stock_after, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		adj.ProductID, adj.Delta, adj.Reason, adj.Actor.ID, adj.Actor.Role, adj.Note, adj.OrderID, adj.StockAfter, adj.RecordedAt,
	).Scan(&adj.ID)
	if err != nil {
		return fmt.Errorf("failed to append stock adjustment for %s: %w", adj.ProductID, err)
	}
	return nil
}

func (l *adjustmentLog) ListByProduct(ctx context.Context, productID string, limit int) ([]entity.StockAdjustment, error) {
	rows, err := l.tx.QueryContext(ctx, `
		SELECT id, product_id, delta, reason, actor_id, actor_role, note, order_id, stock_after, recorded_at
		FROM stock_adjustments WHERE product_id = $1 ORDER BY id DESC LIMIT $2`,
		productID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock adjustments for %s: %w", productID, err)
	}
	defer rows.Close()

	var out []entity.StockAdjustment
	for rows.Next() {
		var a entity.StockAdjustment
		if err := rows.Scan(&a.ID, &a.ProductID, &a.Delta, &a.Reason, &a.Actor.ID, &a.Actor.Role, &a.Note, &a.OrderID, &a.StockAfter, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock adjustment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock adjustment rows: %w", err)
	}
	return out, nil
}
