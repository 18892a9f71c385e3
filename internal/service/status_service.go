package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// StatusService applies order and payment status changes.
type StatusService struct {
	store  repository.Store
	events EventEmitter
	now    func() time.Time
}

func NewStatusService(store repository.Store, events EventEmitter) *StatusService {
	return &StatusService{store: store, events: events, now: time.Now}
}

// Transition is the outcome of SetStatus. Applied is false for a no-op write.
type Transition struct {
	Order    *entity.Order
	Previous entity.OrderStatus
	Applied  bool
}

// SetStatus moves an order to next. Cancelling returns every item's quantity
// to stock in the same transaction as the status write; because a cancelled
// order is terminal, a retried cancel is rejected before anything is released.
func (s *StatusService) SetStatus(ctx context.Context, orderID string, next entity.OrderStatus, actor entity.Actor) (result *Transition, err error) {
	ctx, span := tracer.Start(ctx, "StatusService.SetStatus")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.status", string(next)))

	var restocked []entity.Event
	err = s.store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		result, restocked = nil, nil

		order, err := uow.Orders().GetForUpdate(ctx, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			return entity.NotFound("order", orderID)
		}
		if err != nil {
			return err
		}

		noop, err := entity.CheckTransition(order.Status, next)
		if err != nil {
			return err
		}
		if noop {
			result = &Transition{Order: order, Previous: order.Status}
			return nil
		}

		now := s.now().UTC()
		if err := uow.Orders().UpdateStatus(ctx, order.ID, order.Status, next, now); err != nil {
			return err
		}

		if next == entity.StatusCancelled {
			for _, item := range order.Items {
				available, err := uow.Stock().Release(ctx, item.ProductID, item.Quantity)
				if err != nil {
					return fmt.Errorf("failed to release stock for %s: %w", item.ProductID, err)
				}
				err = uow.Adjustments().Append(ctx, &entity.StockAdjustment{
					ProductID:  item.ProductID,
					Delta:      item.Quantity,
					Reason:     entity.ReasonOrderCancelled,
					Actor:      actor,
					OrderID:    order.ID,
					StockAfter: available,
					RecordedAt: now,
				})
				if err != nil {
					return err
				}
				if available == item.Quantity {
					restocked = append(restocked, entity.StockReplenished{ProductID: item.ProductID, Available: available, At: now})
				}
			}
		}

		result = &Transition{Order: order, Previous: order.Status, Applied: true}
		order.Status = next
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		if entity.CodeOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("failed to set order status: %w", err)
	}

	if !result.Applied {
		slog.InfoContext(ctx, "Order status unchanged", "order_id", orderID, "status", next)
		return result, nil
	}

	slog.InfoContext(ctx, "Order status changed", "order_id", orderID, "from", result.Previous, "to", next)
	changed := entity.OrderStatusChanged{
		OrderID:        result.Order.ID,
		PreviousStatus: result.Previous,
		NewStatus:      next,
		Recipient:      entity.RecipientOf(result.Order.Customer),
		ChangedBy:      actor,
		ChangedAt:      result.Order.UpdatedAt,
	}
	s.events.Emit(ctx, append([]entity.Event{changed}, restocked...)...)
	return result, nil
}

// PaymentUpdate is a payment callback or a manual payment entry.
type PaymentUpdate struct {
	Status    entity.PaymentStatus
	Reference string
}

func (s *StatusService) RecordPayment(ctx context.Context, orderID string, update PaymentUpdate) (*entity.Order, error) {
	var (
		order    *entity.Order
		previous entity.PaymentStatus
		changed  bool
	)
	err := s.store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		order, err = uow.Orders().GetForUpdate(ctx, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			return entity.NotFound("order", orderID)
		}
		if err != nil {
			return err
		}

		noop, err := entity.CheckPaymentTransition(order.Status, order.PaymentStatus, update.Status)
		if err != nil || noop {
			return err
		}

		now := s.now().UTC()
		if err := uow.Orders().UpdatePayment(ctx, order.ID, order.PaymentStatus, update.Status, update.Reference, now); err != nil {
			return err
		}
		previous, changed = order.PaymentStatus, true
		order.PaymentStatus = update.Status
		if update.Reference != "" {
			order.PaymentReference = update.Reference
		}
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		if entity.CodeOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	if changed {
		slog.InfoContext(ctx, "Payment status changed", "order_id", orderID, "from", previous, "to", order.PaymentStatus)
		s.events.Emit(ctx, entity.PaymentStatusChanged{
			OrderID:   order.ID,
			Previous:  previous,
			Current:   order.PaymentStatus,
			Reference: order.PaymentReference,
			ChangedAt: order.UpdatedAt,
		})
	}
	return order, nil
}
