package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository"
	"github.com/google/uuid"
)

type orderRepository struct {
	tx *sql.Tx
}

const orderColumns = `id, channel, account_id, guest, status, payment_method, payment_status, payment_reference,
	price_tier, subtotal, tax, discount, total, created_by_id, created_by_role, created_at, updated_at`

func (r *orderRepository) Create(ctx context.Context, o *entity.Order) error {
	now := time.Now().UTC()
	o.ID = uuid.NewString()
	o.CreatedAt = now
	o.UpdatedAt = now

	var account sql.NullString
	var guest any
	if o.Customer.Guest != nil {
		b, err := json.Marshal(o.Customer.Guest)
		if err != nil {
			return fmt.Errorf("failed to marshal guest contact: %w", err)
		}
		guest = string(b)
	} else {
		account = sql.NullString{String: o.Customer.AccountID, Valid: true}
	}

	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.Channel, account, guest, o.Status, o.PaymentMethod, o.PaymentStatus, o.PaymentReference,
		o.PriceTier, o.Subtotal, o.Tax, o.Discount, o.Total, o.CreatedBy.ID, o.CreatedBy.Role, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	stmt, err := r.tx.PrepareContext(ctx,
		"INSERT INTO order_items (order_id, line_no, product_id, name, unit_price, tax_rate, quantity, line_total) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")
	if err != nil {
		return fmt.Errorf("failed to prepare order item insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range o.Items {
		_, err = stmt.ExecContext(ctx, o.ID, i, item.ProductID, item.Name, item.UnitPrice, item.TaxRate, item.Quantity, item.LineTotal)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	return r.get(ctx, id, "")
}

func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (*entity.Order, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *orderRepository) get(ctx context.Context, id, lock string) (*entity.Order, error) {
	o, err := scanOrder(r.tx.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1"+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, id string, from, to entity.OrderStatus, at time.Time) error {
	res, err := r.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		to, at.UTC(), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return r.expectOne(ctx, res, id)
}

func (r *orderRepository) UpdatePayment(ctx context.Context, id string, from, to entity.PaymentStatus, reference string, at time.Time) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1,
			payment_reference = CASE WHEN $2 = '' THEN payment_reference ELSE $2 END,
			updated_at = $3
		WHERE id = $4 AND payment_status = $5`,
		to, reference, at.UTC(), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	return r.expectOne(ctx, res, id)
}

// expectOne turns a compare-and-set that touched nothing into ErrNotFound or ErrConflict.
func (r *orderRepository) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check order %s: %w", id, err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

func (r *orderRepository) FindRecent(ctx context.Context, limit int) ([]entity.Order, error) {
	rows, err := r.tx.QueryContext(ctx, "SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []entity.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	rows.Close()

	// Fetch items for each order
	for i := range orders {
		if orders[i].Items, err = r.items(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepository) items(ctx context.Context, orderID string) ([]entity.OrderItem, error) {
	rows, err := r.tx.QueryContext(ctx,
		"SELECT product_id, name, unit_price, tax_rate, quantity, line_total FROM order_items WHERE order_id = $1 ORDER BY line_no",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []entity.OrderItem
	for rows.Next() {
		var item entity.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPrice, &item.TaxRate, &item.Quantity, &item.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanOrder(row interface{ Scan(...any) error }) (*entity.Order, error) {
	var (
		o       entity.Order
		account sql.NullString
		guest   []byte
	)
	err := row.Scan(
		&o.ID, &o.Channel, &account, &guest, &o.Status, &o.PaymentMethod, &o.PaymentStatus, &o.PaymentReference,
		&o.PriceTier, &o.Subtotal, &o.Tax, &o.Discount, &o.Total, &o.CreatedBy.ID, &o.CreatedBy.Role, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Customer.AccountID = account.String
	if guest != nil {
		o.Customer.Guest = &entity.GuestContact{}
		if err := json.Unmarshal(guest, o.Customer.Guest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal guest contact: %w", err)
		}
	}
	return &o, nil
}
