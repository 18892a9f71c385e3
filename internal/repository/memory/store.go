// Package memory is an in-process Store. A single mutex serializes units of
// work and an undo journal reverts a failed one, so callers get the same
// all-or-nothing behaviour as the Postgres transaction.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository"
	"github.com/google/uuid"
)

var errReadOnly = errors.New("write in read-only unit of work")

type Store struct {
	mu sync.Mutex

	products    map[string]entity.Product
	orders      map[string]*entity.Order
	orderSeq    []string
	invoices    map[string]entity.Invoice // by order ID
	numbers     map[string]string         // invoice number -> order ID
	adjustments []entity.StockAdjustment

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		products: make(map[string]entity.Product),
		orders:   make(map[string]*entity.Order),
		invoices: make(map[string]entity.Invoice),
		numbers:  make(map[string]string),
		now:      time.Now,
	}
}

func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(ctx context.Context, uow repository.UnitOfWork) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	u := &unitOfWork{s: s, readOnly: readOnly}
	defer func() {
		if p := recover(); p != nil {
			u.rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, u); err != nil {
		u.rollback()
		return err
	}
	return nil
}

type unitOfWork struct {
	s        *Store
	readOnly bool
	undo     []func()
}

func (u *unitOfWork) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

func (u *unitOfWork) record(f func()) { u.undo = append(u.undo, f) }

func (u *unitOfWork) writable() error {
	if u.readOnly {
		return errReadOnly
	}
	return nil
}

func (u *unitOfWork) Catalog() repository.CatalogReader      { return (*products)(u) }
func (u *unitOfWork) Stock() repository.StockLedger          { return (*products)(u) }
func (u *unitOfWork) Products() repository.ProductRepository { return (*products)(u) }
func (u *unitOfWork) Orders() repository.OrderRepository     { return (*orders)(u) }
func (u *unitOfWork) Invoices() repository.InvoiceRepository { return (*invoices)(u) }
func (u *unitOfWork) Adjustments() repository.AdjustmentLog  { return (*adjustments)(u) }

// --- products and stock ---

type products unitOfWork

func (p *products) GetProduct(_ context.Context, id string) (*entity.Product, error) {
	prod, ok := p.s.products[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &prod, nil
}

func (p *products) TryReserve(_ context.Context, productID string, qty int) (repository.Reservation, error) {
	if err := (*unitOfWork)(p).writable(); err != nil {
		return repository.Reservation{}, err
	}
	if qty <= 0 {
		return repository.Reservation{}, fmt.Errorf("reserve quantity must be positive, got %d", qty)
	}
	prod, ok := p.s.products[productID]
	if !ok {
		return repository.Reservation{}, repository.ErrNotFound
	}
	if prod.Stock < qty {
		return repository.Reservation{Reserved: false, Available: prod.Stock}, nil
	}
	p.adjust(productID, -qty)
	return repository.Reservation{Reserved: true, Available: prod.Stock - qty}, nil
}

func (p *products) Release(_ context.Context, productID string, qty int) (int, error) {
	if err := (*unitOfWork)(p).writable(); err != nil {
		return 0, err
	}
	if qty <= 0 {
		return 0, fmt.Errorf("release quantity must be positive, got %d", qty)
	}
	if _, ok := p.s.products[productID]; !ok {
		return 0, repository.ErrNotFound
	}
	return p.adjust(productID, qty), nil
}

func (p *products) adjust(productID string, delta int) int {
	prod := p.s.products[productID]
	prod.Stock += delta
	p.s.products[productID] = prod
	(*unitOfWork)(p).record(func() {
		prod := p.s.products[productID]
		prod.Stock -= delta
		p.s.products[productID] = prod
	})
	return prod.Stock
}

func (p *products) FindAll(_ context.Context) ([]entity.Product, error) {
	out := make([]entity.Product, 0, len(p.s.products))
	for _, prod := range p.s.products {
		out = append(out, prod)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *products) Seed(ctx context.Context, items []entity.Product) error {
	if len(p.s.products) > 0 {
		return nil // already seeded
	}
	for _, prod := range items {
		if err := p.Upsert(ctx, prod); err != nil {
			return err
		}
	}
	return nil
}

func (p *products) Upsert(_ context.Context, prod entity.Product) error {
	if err := (*unitOfWork)(p).writable(); err != nil {
		return err
	}
	if prod.Stock < 0 {
		return fmt.Errorf("stock must not be negative")
	}
	prev, existed := p.s.products[prod.ID]
	if existed {
		prod.Stock = prev.Stock
	}
	prod.UpdatedAt = p.s.now().UTC()
	p.s.products[prod.ID] = prod
	(*unitOfWork)(p).record(func() {
		if existed {
			p.s.products[prod.ID] = prev
		} else {
			delete(p.s.products, prod.ID)
		}
	})
	return nil
}

// --- orders ---

type orders unitOfWork

func (o *orders) Create(_ context.Context, order *entity.Order) error {
	if err := (*unitOfWork)(o).writable(); err != nil {
		return err
	}
	now := o.s.now().UTC()
	order.ID = uuid.NewString()
	order.CreatedAt = now
	order.UpdatedAt = now
	o.s.orders[order.ID] = cloneOrder(order)
	o.s.orderSeq = append(o.s.orderSeq, order.ID)

	id := order.ID
	(*unitOfWork)(o).record(func() {
		delete(o.s.orders, id)
		o.s.orderSeq = o.s.orderSeq[:len(o.s.orderSeq)-1]
	})
	return nil
}

func (o *orders) Get(_ context.Context, id string) (*entity.Order, error) {
	order, ok := o.s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneOrder(order), nil
}

// GetForUpdate needs no extra locking; the unit of work already holds the store.
func (o *orders) GetForUpdate(ctx context.Context, id string) (*entity.Order, error) {
	return o.Get(ctx, id)
}

func (o *orders) UpdateStatus(_ context.Context, id string, from, to entity.OrderStatus, at time.Time) error {
	if err := (*unitOfWork)(o).writable(); err != nil {
		return err
	}
	order, ok := o.s.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	if order.Status != from {
		return repository.ErrConflict
	}
	prevStatus, prevAt := order.Status, order.UpdatedAt
	order.Status, order.UpdatedAt = to, at.UTC()
	(*unitOfWork)(o).record(func() { order.Status, order.UpdatedAt = prevStatus, prevAt })
	return nil
}

func (o *orders) UpdatePayment(_ context.Context, id string, from, to entity.PaymentStatus, reference string, at time.Time) error {
	if err := (*unitOfWork)(o).writable(); err != nil {
		return err
	}
	order, ok := o.s.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	if order.PaymentStatus != from {
		return repository.ErrConflict
	}
	prev, prevRef, prevAt := order.PaymentStatus, order.PaymentReference, order.UpdatedAt
	order.PaymentStatus, order.UpdatedAt = to, at.UTC()
	if reference != "" {
		order.PaymentReference = reference
	}
	(*unitOfWork)(o).record(func() {
		order.PaymentStatus, order.PaymentReference, order.UpdatedAt = prev, prevRef, prevAt
	})
	return nil
}

func (o *orders) FindRecent(_ context.Context, limit int) ([]entity.Order, error) {
	var out []entity.Order
	for i := len(o.s.orderSeq) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *cloneOrder(o.s.orders[o.s.orderSeq[i]]))
	}
	return out, nil
}

func cloneOrder(o *entity.Order) *entity.Order {
	c := *o
	c.Items = append([]entity.OrderItem(nil), o.Items...)
	if o.Customer.Guest != nil {
		g := *o.Customer.Guest
		c.Customer.Guest = &g
	}
	return &c
}

// --- invoices ---

type invoices unitOfWork

func (i *invoices) GetByOrder(_ context.Context, orderID string) (*entity.Invoice, error) {
	inv, ok := i.s.invoices[orderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &inv, nil
}

func (i *invoices) Create(_ context.Context, inv *entity.Invoice) error {
	if err := (*unitOfWork)(i).writable(); err != nil {
		return err
	}
	if _, ok := i.s.invoices[inv.OrderID]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := i.s.numbers[inv.Number]; ok {
		return repository.ErrDuplicate
	}
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = i.s.now().UTC()
	}
	i.s.invoices[inv.OrderID] = *inv
	i.s.numbers[inv.Number] = inv.OrderID
	orderID, number := inv.OrderID, inv.Number
	(*unitOfWork)(i).record(func() {
		delete(i.s.invoices, orderID)
		delete(i.s.numbers, number)
	})
	return nil
}

func (i *invoices) SetDocumentRef(_ context.Context, number, ref string) error {
	if err := (*unitOfWork)(i).writable(); err != nil {
		return err
	}
	orderID, ok := i.s.numbers[number]
	if !ok {
		return repository.ErrNotFound
	}
	inv := i.s.invoices[orderID]
	prev := inv
	inv.DocumentRef = ref
	i.s.invoices[orderID] = inv
	(*unitOfWork)(i).record(func() { i.s.invoices[orderID] = prev })
	return nil
}

// --- stock adjustment audit ---

type adjustments unitOfWork

func (a *adjustments) Append(_ context.Context, adj *entity.StockAdjustment) error {
	if err := (*unitOfWork)(a).writable(); err != nil {
		return err
	}
	adj.ID = int64(len(a.s.adjustments) + 1)
	if adj.RecordedAt.IsZero() {
		adj.RecordedAt = a.s.now().UTC()
	}
	a.s.adjustments = append(a.s.adjustments, *adj)
	(*unitOfWork)(a).record(func() { a.s.adjustments = a.s.adjustments[:len(a.s.adjustments)-1] })
	return nil
}

func (a *adjustments) ListByProduct(_ context.Context, productID string, limit int) ([]entity.StockAdjustment, error) {
	var out []entity.StockAdjustment
	for i := len(a.s.adjustments) - 1; i >= 0 && len(out) < limit; i-- {
		if a.s.adjustments[i].ProductID == productID {
			out = append(out, a.s.adjustments[i])
		}
	}
	return out, nil
}
