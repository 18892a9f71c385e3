package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/pricing"
	"github.com/egannguyen/storefront/internal/repository"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// OrderService is the order placement engine.
type OrderService struct {
	store    repository.Store
	events   EventEmitter
	flatRate decimal.Decimal
	now      func() time.Time
}

func NewOrderService(store repository.Store, events EventEmitter, flatRate decimal.Decimal) *OrderService {
	return &OrderService{
		store:    store,
		events:   events,
		flatRate: flatRate,
		now:      time.Now,
	}
}

// GetProducts returns the catalog.
func (s *OrderService) GetProducts(ctx context.Context) ([]entity.Product, error) {
	var products []entity.Product
	err := s.store.View(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		products, err = uow.Products().FindAll(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return products, nil
}

// GetRecentOrders returns the latest orders.
func (s *OrderService) GetRecentOrders(ctx context.Context, limit int) ([]entity.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var orders []entity.Order
	err := s.store.View(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		orders, err = uow.Orders().FindRecent(ctx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*entity.Order, error) {
	var order *entity.Order
	err := s.store.View(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		order, err = uow.Orders().Get(ctx, id)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, entity.NotFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return order, nil
}

// PlaceOrder validates the request, reserves stock for every line, prices the
// order from the snapshots it read and stores it, all in one unit of work.
// Either every line is reserved and the order exists, or nothing changed.
func (s *OrderService) PlaceOrder(ctx context.Context, cmd *entity.PlaceOrder) (order *entity.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.PlaceOrder")
	defer func() { endSpan(span, err) }()

	req, policy, err := s.normalize(cmd)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order.channel", string(req.Channel)),
		attribute.Int("order.lines", len(req.Items)),
		attribute.String("order.tax_policy", string(policy.Kind)),
	)
	slog.InfoContext(ctx, "Service: Placing order", "channel", req.Channel, "items", len(req.Items))

	var alerts []entity.Event
	err = s.store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		order, alerts = nil, nil

		snapshots, err := readSnapshots(ctx, uow.Catalog(), req.Items)
		if err != nil {
			return err
		}

		remaining, err := reserveAll(ctx, uow.Stock(), req.Items)
		if err != nil {
			return err
		}

		demand := make(map[string]int, len(remaining))
		for _, line := range req.Items {
			demand[line.ProductID] += line.Quantity
		}
		for id, left := range remaining {
			p := snapshots[id]
			if stockLowCrossed(p, left+demand[id], left) {
				alerts = append(alerts, entity.StockLow{ProductID: id, Available: left, Threshold: p.ReorderThreshold, At: s.now().UTC()})
			}
		}

		order, err = s.buildOrder(req, policy, snapshots)
		if err != nil {
			return err
		}
		return uow.Orders().Create(ctx, order)
	})
	if err != nil {
		if entity.CodeOf(err) != "" {
			slog.InfoContext(ctx, "Order rejected", "channel", req.Channel, "reason", err)
			return nil, err
		}
		slog.ErrorContext(ctx, "Failed to place order", "channel", req.Channel, "err", err)
		return nil, entity.PlacementFailed(err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	slog.InfoContext(ctx, "Order placed", "order_id", order.ID, "channel", order.Channel, "total", order.Total.StringFixed(2))

	placed := entity.OrderPlaced{
		OrderID:   order.ID,
		Channel:   order.Channel,
		Status:    order.Status,
		Total:     order.Total.StringFixed(2),
		Recipient: entity.RecipientOf(order.Customer),
		PlacedAt:  order.CreatedAt,
	}
	s.events.Emit(ctx, append([]entity.Event{placed}, alerts...)...)
	return order, nil
}

// normalize validates cmd and fills in channel defaults without touching the caller's value.
func (s *OrderService) normalize(cmd *entity.PlaceOrder) (entity.PlaceOrder, entity.TaxPolicy, error) {
	if cmd == nil {
		return entity.PlaceOrder{}, entity.TaxPolicy{}, entity.InvalidRequest("order request is required")
	}
	req := *cmd
	req.Items = append([]entity.LineRequest(nil), cmd.Items...)

	if !req.Channel.Valid() {
		return req, entity.TaxPolicy{}, entity.InvalidRequest("unknown channel %q", req.Channel)
	}
	if len(req.Items) == 0 {
		return req, entity.TaxPolicy{}, entity.InvalidRequest("order must have at least one item")
	}
	for i, line := range req.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			return req, entity.TaxPolicy{}, entity.InvalidRequest("item %d: product id is required", i)
		}
		if line.Quantity <= 0 {
			return req, entity.TaxPolicy{}, entity.InvalidRequest("item %d: quantity must be positive, got %d", i, line.Quantity)
		}
	}

	if err := validateCustomer(req.Channel, req.Customer); err != nil {
		return req, entity.TaxPolicy{}, err
	}

	switch req.PriceTier {
	case "":
		req.PriceTier = entity.TierRetail
	case entity.TierRetail:
	case entity.TierWholesale:
		if !mayBuyWholesale(req.Customer, req.CreatedBy) {
			return req, entity.TaxPolicy{}, entity.InvalidRequest("wholesale prices need a reseller account")
		}
	default:
		return req, entity.TaxPolicy{}, entity.InvalidRequest("unknown price tier %q", req.PriceTier)
	}

	if req.PaymentMethod == "" {
		req.PaymentMethod = entity.PaymentCOD
		if req.Channel == entity.ChannelPOS {
			req.PaymentMethod = entity.PaymentCash
		}
	} else if !req.PaymentMethod.Valid() {
		return req, entity.TaxPolicy{}, entity.InvalidRequest("unknown payment method %q", req.PaymentMethod)
	}

	if req.Discount.IsNegative() {
		return req, entity.TaxPolicy{}, entity.InvalidRequest("discount must not be negative")
	}

	policy, err := pricing.PolicyFor(req.Channel, req.TaxPolicy, s.flatRate)
	if err != nil {
		return req, entity.TaxPolicy{}, entity.InvalidRequest("%v", err)
	}
	return req, policy, nil
}

// mayBuyWholesale allows the wholesale tier for resellers ordering for their
// own account and for staff placing an order on an account's behalf.
func mayBuyWholesale(c entity.Customer, by entity.Actor) bool {
	if c.Guest != nil || strings.TrimSpace(c.AccountID) == "" {
		return false
	}
	switch by.Role {
	case entity.RoleReseller:
		return by.ID == c.AccountID
	case entity.RoleStaff, entity.RoleAdmin:
		return true
	}
	return false
}

func validateCustomer(channel entity.Channel, c entity.Customer) error {
	hasAccount := strings.TrimSpace(c.AccountID) != ""
	if hasAccount == (c.Guest != nil) {
		return entity.InvalidRequest("exactly one of account id or guest contact is required")
	}
	if c.Guest == nil {
		return nil
	}
	if strings.TrimSpace(c.Guest.Name) == "" {
		return entity.InvalidRequest("guest name is required")
	}
	if channel == entity.ChannelOnline {
		if strings.TrimSpace(c.Guest.Mobile) == "" {
			return entity.InvalidRequest("guest mobile is required for online orders")
		}
		if strings.TrimSpace(c.Guest.ShippingAddress) == "" {
			return entity.InvalidRequest("shipping address is required for online orders")
		}
	}
	return nil
}

func readSnapshots(ctx context.Context, catalog repository.CatalogReader, lines []entity.LineRequest) (map[string]*entity.Product, error) {
	snapshots := make(map[string]*entity.Product, len(lines))
	for _, line := range lines {
		if _, seen := snapshots[line.ProductID]; seen {
			continue
		}
		p, err := catalog.GetProduct(ctx, line.ProductID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, entity.ProductUnavailable(line.ProductID)
		}
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, entity.ProductUnavailable(line.ProductID)
		}
		snapshots[line.ProductID] = p
	}
	return snapshots, nil
}

// reserveAll reserves the total demand of each product once, in product-ID
// order, so two multi-line orders always lock rows in the same sequence. On
// the first shortfall it releases what it already took, most recent first,
// and reports the shortfall against the stock actually on hand.
func reserveAll(ctx context.Context, ledger repository.StockLedger, lines []entity.LineRequest) (map[string]int, error) {
	cart := entity.NewCart()
	for _, line := range lines {
		if err := cart.Add(line.ProductID, line.Quantity); err != nil {
			return nil, entity.InvalidRequest("%v", err)
		}
	}
	ordered := cart.Lines()
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ProductID < ordered[j].ProductID })

	remaining := make(map[string]int, len(ordered))
	done := make([]entity.LineRequest, 0, len(ordered))
	for _, line := range ordered {
		res, err := ledger.TryReserve(ctx, line.ProductID, line.Quantity)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			err = entity.ProductUnavailable(line.ProductID)
		case err == nil && !res.Reserved:
			err = entity.InsufficientStock(line.ProductID, res.Available)
		}
		if err != nil {
			releaseAll(ctx, ledger, done)
			return nil, err
		}
		done = append(done, line)
		remaining[line.ProductID] = res.Available
	}
	return remaining, nil
}

func releaseAll(ctx context.Context, ledger repository.StockLedger, done []entity.LineRequest) {
	for i := len(done) - 1; i >= 0; i-- {
		if _, err := ledger.Release(ctx, done[i].ProductID, done[i].Quantity); err != nil {
			// The enclosing transaction is rolled back anyway.
			slog.ErrorContext(ctx, "Failed to release reservation", "product_id", done[i].ProductID, "err", err)
		}
	}
}

func (s *OrderService) buildOrder(req entity.PlaceOrder, policy entity.TaxPolicy, snapshots map[string]*entity.Product) (*entity.Order, error) {
	lines := make([]pricing.Line, len(req.Items))
	items := make([]entity.OrderItem, len(req.Items))
	for i, line := range req.Items {
		p := snapshots[line.ProductID]
		price := p.PriceFor(req.PriceTier)
		rate := pricing.EffectiveRate(policy, p.TaxRate)
		lines[i] = pricing.Line{UnitPrice: price, Quantity: line.Quantity, TaxRate: rate}
		items[i] = entity.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: price,
			TaxRate:   rate,
			Quantity:  line.Quantity,
		}
	}

	b, err := pricing.Calculate(lines, policy, req.Discount)
	if err != nil {
		return nil, entity.InvalidRequest("%v", err)
	}
	for i := range items {
		items[i].LineTotal = b.Lines[i].LineTotal
	}

	paymentStatus := entity.PaymentPending
	if req.Channel == entity.ChannelPOS {
		paymentStatus = entity.PaymentCompleted
	}

	return &entity.Order{
		Channel:       req.Channel,
		Customer:      req.Customer,
		Status:        entity.InitialStatus(req.Channel),
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: paymentStatus,
		PriceTier:     req.PriceTier,
		Subtotal:      b.Subtotal,
		Tax:           b.Tax,
		Discount:      b.Discount,
		Total:         b.Total,
		CreatedBy:     req.CreatedBy,
		Items:         items,
	}, nil
}
