package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/invoice"
	"github.com/egannguyen/storefront/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

const numberAttempts = 5

// InvoiceService issues at most one invoice per order.
type InvoiceService struct {
	store     repository.Store
	renderer  invoice.Renderer
	newNumber func() string
	now       func() time.Time
}

func NewInvoiceService(store repository.Store, renderer invoice.Renderer) *InvoiceService {
	return &InvoiceService{
		store:     store,
		renderer:  renderer,
		newNumber: invoice.NewNumber,
		now:       time.Now,
	}
}

// EnsureInvoice returns the order's invoice, creating it on the first call.
// Rendering happens after the invoice row is committed; if it fails the
// invoice is still returned and the next call renders it again under the
// same number.
func (s *InvoiceService) EnsureInvoice(ctx context.Context, orderID string) (inv *entity.Invoice, err error) {
	ctx, span := tracer.Start(ctx, "InvoiceService.EnsureInvoice")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	var order *entity.Order
	err = s.store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		order, err = uow.Orders().Get(ctx, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			return entity.NotFound("order", orderID)
		}
		if err != nil {
			return err
		}
		inv, err = s.issue(ctx, uow.Invoices(), order)
		return err
	})
	if err != nil {
		if entity.CodeOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("failed to issue invoice for order %s: %w", orderID, err)
	}
	span.SetAttributes(attribute.String("invoice.number", inv.Number))

	if inv.DocumentRef != "" {
		return inv, nil
	}
	ref, err := s.renderer.Render(ctx, invoice.NewDocument(order, inv))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to render invoice", "order_id", orderID, "number", inv.Number, "err", err)
		return inv, nil
	}
	err = s.store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		return uow.Invoices().SetDocumentRef(ctx, inv.Number, ref)
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to store invoice document", "number", inv.Number, "err", err)
		return inv, nil
	}
	inv.DocumentRef = ref
	slog.InfoContext(ctx, "Invoice issued", "order_id", orderID, "number", inv.Number)
	return inv, nil
}

func (s *InvoiceService) issue(ctx context.Context, invoices repository.InvoiceRepository, order *entity.Order) (*entity.Invoice, error) {
	existing, err := invoices.GetByOrder(ctx, order.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if order.Status == entity.StatusCancelled {
		return nil, entity.InvalidRequest("order %s is cancelled", order.ID)
	}

	for attempt := 0; attempt < numberAttempts; attempt++ {
		inv := &entity.Invoice{OrderID: order.ID, Number: s.newNumber(), IssuedAt: s.now().UTC()}
		err := invoices.Create(ctx, inv)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		// Either someone else invoiced this order first or the number is taken.
		if existing, err := invoices.GetByOrder(ctx, order.ID); err == nil {
			return existing, nil
		}
		slog.WarnContext(ctx, "Invoice number collision", "number", inv.Number, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("no free invoice number after %d attempts", numberAttempts)
}
