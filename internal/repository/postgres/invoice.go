package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository"
)

type invoiceRepository struct {
	tx *sql.Tx
}

func (r *invoiceRepository) GetByOrder(ctx context.Context, orderID string) (*entity.Invoice, error) {
	var inv entity.Invoice
	err := r.tx.QueryRowContext(ctx,
		"SELECT order_id, number, document_ref, issued_at FROM invoices WHERE order_id = $1",
		orderID,
	).Scan(&inv.OrderID, &inv.Number, &inv.DocumentRef, &inv.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice for order %s: %w", orderID, err)
	}
	return &inv, nil
}

// Create relies on ON CONFLICT DO NOTHING rather than catching a unique
// violation, which would abort the surrounding transaction.
func (r *invoiceRepository) Create(ctx context.Context, inv *entity.Invoice) error {
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = time.Now().UTC()
	}
	res, err := r.tx.ExecContext(ctx,
		"INSERT INTO invoices (order_id, number, document_ref, issued_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING",
		inv.OrderID, inv.Number, inv.DocumentRef, inv.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrDuplicate
	}
	return nil
}

func (r *invoiceRepository) SetDocumentRef(ctx context.Context, number, ref string) error {
	res, err := r.tx.ExecContext(ctx, "UPDATE invoices SET document_ref = $1 WHERE number = $2", ref, number)
	if err != nil {
		return fmt.Errorf("failed to set invoice document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
