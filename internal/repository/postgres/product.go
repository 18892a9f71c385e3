package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository"
)

type productRepository struct {
	tx *sql.Tx
}

const productColumns = "id, name, retail_price, wholesale_price, tax_rate, stock_quantity, reorder_threshold, is_active, updated_at"

func scanProduct(row interface{ Scan(...any) error }) (*entity.Product, error) {
	var p entity.Product
	err := row.Scan(&p.ID, &p.Name, &p.RetailPrice, &p.WholesalePrice, &p.TaxRate, &p.Stock, &p.ReorderThreshold, &p.Active, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *productRepository) GetProduct(ctx context.Context, id string) (*entity.Product, error) {
	p, err := scanProduct(r.tx.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	return p, nil
}

// TryReserve is a single conditional UPDATE: the row lock taken by the update
// makes check-and-decrement indivisible across concurrent transactions.
func (r *productRepository) TryReserve(ctx context.Context, productID string, qty int) (repository.Reservation, error) {
	if qty <= 0 {
		return repository.Reservation{}, fmt.Errorf("reserve quantity must be positive, got %d", qty)
	}

	var remaining int
	err := r.tx.QueryRowContext(ctx,
		"UPDATE products SET stock_quantity = stock_quantity - $1, updated_at = NOW() WHERE id = $2 AND stock_quantity >= $1 RETURNING stock_quantity",
		qty, productID,
	).Scan(&remaining)
	if err == nil {
		return repository.Reservation{Reserved: true, Available: remaining}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return repository.Reservation{}, fmt.Errorf("failed to reserve stock for %s: %w", productID, err)
	}

	var available int
	err = r.tx.QueryRowContext(ctx, "SELECT stock_quantity FROM products WHERE id = $1", productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Reservation{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.Reservation{}, fmt.Errorf("failed to read stock for %s: %w", productID, err)
	}
	return repository.Reservation{Reserved: false, Available: available}, nil
}

func (r *productRepository) Release(ctx context.Context, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("release quantity must be positive, got %d", qty)
	}

	var available int
	err := r.tx.QueryRowContext(ctx,
		"UPDATE products SET stock_quantity = stock_quantity + $1, updated_at = NOW() WHERE id = $2 RETURNING stock_quantity",
		qty, productID,
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repository.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release stock for %s: %w", productID, err)
	}
	return available, nil
}

func (r *productRepository) FindAll(ctx context.Context) ([]entity.Product, error) {
	rows, err := r.tx.QueryContext(ctx, "SELECT "+productColumns+" FROM products ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []entity.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (r *productRepository) Seed(ctx context.Context, products []entity.Product) error {
	var count int
	err := r.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil // already seeded
	}

	for _, p := range products {
		if err := r.Upsert(ctx, p); err != nil {
			return fmt.Errorf("failed to seed product %s: %w", p.ID, err)
		}
	}
	return nil
}

func (r *productRepository) Upsert(ctx context.Context, p entity.Product) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO products (id, name, retail_price, wholesale_price, tax_rate, stock_quantity, reorder_threshold, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			retail_price = EXCLUDED.retail_price,
			wholesale_price = EXCLUDED.wholesale_price,
			tax_rate = EXCLUDED.tax_rate,
			reorder_threshold = EXCLUDED.reorder_threshold,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		p.ID, p.Name, p.RetailPrice, p.WholesalePrice, p.TaxRate, p.Stock, p.ReorderThreshold, p.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}
	return nil
}
