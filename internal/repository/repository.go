package repository

import (
	"context"
	"errors"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set saw a different current value.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate means a unique key is already taken.
	ErrDuplicate = errors.New("duplicate key")
)

// Reservation is the outcome of TryReserve. When Reserved is false, Available
// is the quantity on hand at that instant; otherwise it is what remains.
type Reservation struct {
	Reserved  bool
	Available int
}

// CatalogReader reads product snapshots.
type CatalogReader interface {
	GetProduct(ctx context.Context, id string) (*entity.Product, error)
}

// StockLedger owns the available-quantity counter of each product.
type StockLedger interface {
	// TryReserve decrements stock by qty only if at least qty is available,
	// as one indivisible step.
	TryReserve(ctx context.Context, productID string, qty int) (Reservation, error)
	// Release puts qty back and returns the new available quantity. Callers
	// track what they reserved; the ledger does not guard against double release.
	Release(ctx context.Context, productID string, qty int) (int, error)
}

// ProductRepository handles catalog maintenance.
type ProductRepository interface {
	FindAll(ctx context.Context) ([]entity.Product, error)
	// Seed inserts initial products if none exist.
	Seed(ctx context.Context, products []entity.Product) error
	// Upsert writes catalog fields. Stock is only taken when the product is
	// new; afterwards it moves through the StockLedger alone.
	Upsert(ctx context.Context, p entity.Product) error
}

// OrderRepository handles persistence for Orders and their items.
type OrderRepository interface {
	// Create assigns the order ID and stores the order with its items.
	Create(ctx context.Context, order *entity.Order) error
	Get(ctx context.Context, id string) (*entity.Order, error)
	// GetForUpdate loads the order and locks it until the unit of work ends.
	GetForUpdate(ctx context.Context, id string) (*entity.Order, error)
	// UpdateStatus moves the order to `to` only if it is still in `from`.
	UpdateStatus(ctx context.Context, id string, from, to entity.OrderStatus, at time.Time) error
	UpdatePayment(ctx context.Context, id string, from, to entity.PaymentStatus, reference string, at time.Time) error
	FindRecent(ctx context.Context, limit int) ([]entity.Order, error)
}

// InvoiceRepository holds at most one invoice per order.
type InvoiceRepository interface {
	GetByOrder(ctx context.Context, orderID string) (*entity.Invoice, error)
	// Create returns ErrDuplicate if the order already has an invoice or the number is taken.
	Create(ctx context.Context, inv *entity.Invoice) error
	SetDocumentRef(ctx context.Context, number, ref string) error
}

// AdjustmentLog is the append-only stock audit trail.
type AdjustmentLog interface {
	Append(ctx context.Context, adj *entity.StockAdjustment) error
	ListByProduct(ctx context.Context, productID string, limit int) ([]entity.StockAdjustment, error)
}

// UnitOfWork exposes repositories bound to one transaction.
type UnitOfWork interface {
	Catalog() CatalogReader
	Stock() StockLedger
	Products() ProductRepository
	Orders() OrderRepository
	Invoices() InvoiceRepository
	Adjustments() AdjustmentLog
}

// Store runs units of work. Everything fn does through uow commits together
// when fn returns nil and is rolled back otherwise.
type Store interface {
	Atomically(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
	// View runs fn in a read-only unit of work.
	View(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}
