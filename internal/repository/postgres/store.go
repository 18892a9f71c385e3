package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/egannguyen/storefront/internal/repository"
)

// Store runs every unit of work in one *sql.Tx, so reservations, the order
// insert and audit rows commit or roll back together.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	return s.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, unitOfWork{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type unitOfWork struct {
	tx *sql.Tx
}

func (u unitOfWork) Catalog() repository.CatalogReader      { return &productRepository{tx: u.tx} }
func (u unitOfWork) Stock() repository.StockLedger          { return &productRepository{tx: u.tx} }
func (u unitOfWork) Products() repository.ProductRepository { return &productRepository{tx: u.tx} }
func (u unitOfWork) Orders() repository.OrderRepository     { return &orderRepository{tx: u.tx} }
func (u unitOfWork) Invoices() repository.InvoiceRepository { return &invoiceRepository{tx: u.tx} }
func (u unitOfWork) Adjustments() repository.AdjustmentLog  { return &adjustmentLog{tx: u.tx} }
