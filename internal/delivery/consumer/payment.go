package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/messaging"
	"github.com/egannguyen/storefront/internal/service"
)

// PaymentGroupID is the consumer group the payment callbacks are read under.
const PaymentGroupID = "storefront-payments"

// PaymentCallback is the message a payment provider gateway publishes once a
// charge settles.
type PaymentCallback struct {
	OrderID   string               `json:"order_id"`
	Status    entity.PaymentStatus `json:"status"`
	Reference string               `json:"reference,omitempty"`
}

// OrderUpdater is the part of the status service the callbacks drive.
type OrderUpdater interface {
	RecordPayment(ctx context.Context, orderID string, update service.PaymentUpdate) (*entity.Order, error)
	SetStatus(ctx context.Context, orderID string, next entity.OrderStatus, actor entity.Actor) (*service.Transition, error)
}

// PaymentHandler applies payment callbacks to orders. A completed payment also
// confirms an order still waiting in PENDING.
type PaymentHandler struct {
	orders OrderUpdater
}

func NewPaymentHandler(orders OrderUpdater) *PaymentHandler {
	return &PaymentHandler{orders: orders}
}

func (h *PaymentHandler) HandlerName() string {
	return "PaymentCallbackHandler"
}

// Handle applies one callback. Callbacks that can never apply (bad payload,
// unknown order, rejected transition) fail permanently; anything else, such as
// a storage outage, is returned as is so the message is redelivered.
func (h *PaymentHandler) Handle(ctx context.Context, payload []byte) error {
	var cb PaymentCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return messaging.Permanent(fmt.Errorf("failed to unmarshal payment callback: %w", err))
	}
	cb.OrderID = strings.TrimSpace(cb.OrderID)
	if cb.OrderID == "" {
		return messaging.Permanent(errors.New("payment callback without order id"))
	}

	order, err := h.orders.RecordPayment(ctx, cb.OrderID, service.PaymentUpdate{
		Status:    cb.Status,
		Reference: strings.TrimSpace(cb.Reference),
	})
	if err != nil {
		return classify(fmt.Errorf("record payment for order %s: %w", cb.OrderID, err))
	}
	slog.InfoContext(ctx, "Payment recorded", "order_id", order.ID, "payment_status", order.PaymentStatus)

	if order.PaymentStatus != entity.PaymentCompleted || order.Status != entity.StatusPending {
		return nil
	}
	if _, err := h.orders.SetStatus(ctx, order.ID, entity.StatusConfirmed, entity.SystemActor); err != nil {
		// A concurrent staff update may have moved the order on already.
		if entity.CodeOf(err) == entity.CodeInvalidTransition {
			return nil
		}
		return classify(fmt.Errorf("confirm paid order %s: %w", order.ID, err))
	}
	slog.InfoContext(ctx, "Order confirmed", "order_id", order.ID)
	return nil
}

// classify marks domain rejections permanent. Storage errors, plain or
// wrapped as PLACEMENT_FAILED, stay retryable.
func classify(err error) error {
	switch entity.CodeOf(err) {
	case "", entity.CodePlacementFailed:
		return err
	}
	return messaging.Permanent(err)
}

// Run consumes callbacks from topic until ctx is cancelled.
func (h *PaymentHandler) Run(ctx context.Context, sub messaging.Subscriber, topic string) {
	slog.InfoContext(ctx, "Payment consumer started", "topic", topic, "group", PaymentGroupID)
	sub.Consume(ctx, topic, PaymentGroupID, h.Handle)
}
