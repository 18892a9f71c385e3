package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

func InitDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateDB(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	slog.InfoContext(ctx, "Database connected and migrated")
	return db, nil
}

func migrateDB(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			retail_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			wholesale_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			tax_rate NUMERIC(5,2) NOT NULL DEFAULT 18.00,
			stock_quantity INT NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
			reorder_threshold INT NOT NULL DEFAULT 5,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			account_id TEXT,
			guest JSONB,
			status TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			payment_status TEXT NOT NULL,
			payment_reference TEXT NOT NULL DEFAULT '',
			price_tier TEXT NOT NULL,
			subtotal NUMERIC(12,2) NOT NULL,
			tax NUMERIC(12,2) NOT NULL,
			discount NUMERIC(12,2) NOT NULL DEFAULT 0,
			total NUMERIC(12,2) NOT NULL,
			created_by_id TEXT NOT NULL DEFAULT '',
			created_by_role TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CHECK (total = subtotal + tax - discount),
			CHECK ((account_id IS NULL) <> (guest IS NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC);

		CREATE TABLE IF NOT EXISTS order_items (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			line_no INT NOT NULL,
			product_id TEXT NOT NULL,
			name TEXT NOT NULL,
			unit_price NUMERIC(12,2) NOT NULL,
			tax_rate NUMERIC(5,2) NOT NULL,
			quantity INT NOT NULL CHECK (quantity > 0),
			line_total NUMERIC(12,2) NOT NULL,
			UNIQUE (order_id, line_no)
		);

		CREATE TABLE IF NOT EXISTS invoices (
			order_id TEXT PRIMARY KEY REFERENCES orders(id),
			number TEXT NOT NULL UNIQUE,
			document_ref TEXT NOT NULL DEFAULT '',
			issued_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS stock_adjustments (
			id BIGSERIAL PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products(id),
			delta INT NOT NULL CHECK (delta <> 0),
			reason TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			order_id TEXT NOT NULL DEFAULT '',
			stock_after INT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stock_adjustments_product ON stock_adjustments(product_id, id DESC);
	`)
	return err
}
