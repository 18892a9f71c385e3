package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/invoice"
	"github.com/egannguyen/storefront/internal/repository"
	"github.com/egannguyen/storefront/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []entity.Event
}

func (r *recorder) Emit(_ context.Context, events ...entity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) ofType(eventType string) []entity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Event
	for _, e := range r.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	store    *memory.Store
	events   *recorder
	orders   *OrderService
	statuses *StatusService
	stock    *StockService
}

func newFixture(t *testing.T, products ...entity.Product) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), events: &recorder{}}
	f.orders = NewOrderService(f.store, f.events, decimal.NewFromInt(18))
	f.statuses = NewStatusService(f.store, f.events)
	f.stock = NewStockService(f.store, f.events)
	for _, p := range products {
		f.upsert(t, p)
	}
	return f
}

func (f *fixture) upsert(t *testing.T, p entity.Product) {
	t.Helper()
	err := f.store.Atomically(context.Background(), func(ctx context.Context, uow repository.UnitOfWork) error {
		return uow.Products().Upsert(ctx, p)
	})
	require.NoError(t, err)
}

func (f *fixture) stockOf(t *testing.T, id string) int {
	t.Helper()
	var stock int
	err := f.store.View(context.Background(), func(ctx context.Context, uow repository.UnitOfWork) error {
		p, err := uow.Catalog().GetProduct(ctx, id)
		if err != nil {
			return err
		}
		stock = p.Stock
		return nil
	})
	require.NoError(t, err)
	return stock
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	orders, err := f.orders.GetRecentOrders(context.Background(), 200)
	require.NoError(t, err)
	return len(orders)
}

func product(id, price, rate string, stock int) entity.Product {
	return entity.Product{
		ID:          id,
		Name:        "Product " + id,
		RetailPrice: decimal.RequireFromString(price),
		TaxRate:     decimal.RequireFromString(rate),
		Stock:       stock,
		Active:      true,
	}
}

func accountOrder(channel entity.Channel, lines ...entity.LineRequest) *entity.PlaceOrder {
	return &entity.PlaceOrder{
		Channel:   channel,
		Customer:  entity.Customer{AccountID: "acc-1"},
		Items:     lines,
		CreatedBy: entity.Actor{ID: "acc-1", Role: entity.RoleCustomer},
	}
}

func line(id string, qty int) entity.LineRequest {
	return entity.LineRequest{ProductID: id, Quantity: qty}
}

var staff = entity.Actor{ID: "staff-1", Role: entity.RoleStaff}

// faultyStore fails order creation after reservations have been made.
type faultyStore struct {
	*memory.Store
}

func (s faultyStore) Atomically(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	return s.Store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		return fn(ctx, faultyUnit{uow})
	})
}

type faultyUnit struct {
	repository.UnitOfWork
}

func (u faultyUnit) Orders() repository.OrderRepository { return faultyOrders{u.UnitOfWork.Orders()} }

type faultyOrders struct {
	repository.OrderRepository
}

var errDiskFull = errors.New("disk full")

func (faultyOrders) Create(context.Context, *entity.Order) error { return errDiskFull }

type failingRenderer struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (r *failingRenderer) Render(_ context.Context, doc invoice.Document) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return "", errors.New("renderer offline")
	}
	return "mem://" + doc.Number, nil
}
