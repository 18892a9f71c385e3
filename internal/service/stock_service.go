package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// StockService records manual stock movements together with their audit row.
type StockService struct {
	store  repository.Store
	events EventEmitter
	now    func() time.Time
}

func NewStockService(store repository.Store, events EventEmitter) *StockService {
	return &StockService{store: store, events: events, now: time.Now}
}

// Adjustment is a manual stock correction requested by staff.
type Adjustment struct {
	ProductID string
	Delta     int
	Reason    entity.AdjustmentReason
	Note      string
	Actor     entity.Actor
}

func (s *StockService) AdjustStock(ctx context.Context, adj Adjustment) (record *entity.StockAdjustment, err error) {
	ctx, span := tracer.Start(ctx, "StockService.AdjustStock")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("product.id", adj.ProductID),
		attribute.Int("stock.delta", adj.Delta),
		attribute.String("stock.reason", string(adj.Reason)),
	)

	if strings.TrimSpace(adj.ProductID) == "" {
		return nil, entity.InvalidRequest("product id is required")
	}
	if adj.Delta == 0 {
		return nil, entity.InvalidRequest("delta must not be zero")
	}
	if !adj.Reason.Manual() {
		return nil, entity.InvalidRequest("reason %q cannot be recorded manually", adj.Reason)
	}
	if strings.TrimSpace(adj.Actor.ID) == "" {
		return nil, entity.InvalidRequest("actor is required")
	}

	var event entity.Event
	err = s.store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		record, event = nil, nil

		p, err := uow.Catalog().GetProduct(ctx, adj.ProductID)
		if errors.Is(err, repository.ErrNotFound) {
			return entity.NotFound("product", adj.ProductID)
		}
		if err != nil {
			return err
		}

		var after int
		if adj.Delta < 0 {
			res, err := uow.Stock().TryReserve(ctx, adj.ProductID, -adj.Delta)
			if err != nil {
				return err
			}
			if !res.Reserved {
				return entity.InsufficientStock(adj.ProductID, res.Available)
			}
			after = res.Available
		} else {
			if after, err = uow.Stock().Release(ctx, adj.ProductID, adj.Delta); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		record = &entity.StockAdjustment{
			ProductID:  adj.ProductID,
			Delta:      adj.Delta,
			Reason:     adj.Reason,
			Actor:      adj.Actor,
			Note:       strings.TrimSpace(adj.Note),
			StockAfter: after,
			RecordedAt: now,
		}
		if err := uow.Adjustments().Append(ctx, record); err != nil {
			return err
		}

		before := after - adj.Delta
		switch {
		case before <= 0 && after > 0:
			event = entity.StockReplenished{ProductID: p.ID, Available: after, At: now}
		case stockLowCrossed(p, before, after):
			event = entity.StockLow{ProductID: p.ID, Available: after, Threshold: p.ReorderThreshold, At: now}
		}
		return nil
	})
	if err != nil {
		if entity.CodeOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("failed to adjust stock for %s: %w", adj.ProductID, err)
	}

	slog.InfoContext(ctx, "Stock adjusted", "product_id", adj.ProductID, "delta", adj.Delta, "reason", adj.Reason, "stock_after", record.StockAfter)
	if event != nil {
		s.events.Emit(ctx, event)
	}
	return record, nil
}

// AdjustmentHistory lists the newest audit rows for a product first.
func (s *StockService) AdjustmentHistory(ctx context.Context, productID string, limit int) ([]entity.StockAdjustment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []entity.StockAdjustment
	err := s.store.View(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		if _, err := uow.Catalog().GetProduct(ctx, productID); err != nil {
			return err
		}
		var err error
		out, err = uow.Adjustments().ListByProduct(ctx, productID, limit)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, entity.NotFound("product", productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list adjustments for %s: %w", productID, err)
	}
	return out, nil
}
