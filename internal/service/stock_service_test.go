package service

import (
	"context"
	"testing"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustStock(t *testing.T) {
	p := product("a", "10", "0", 0)
	p.ReorderThreshold = 3
	f := newFixture(t, p)
	ctx := context.Background()

	rec, err := f.stock.AdjustStock(ctx, Adjustment{ProductID: "a", Delta: 5, Reason: entity.ReasonNewStock, Actor: staff, Note: " delivery #12 "})
	require.NoError(t, err)
	assert.Equal(t, 5, rec.StockAfter)
	assert.Equal(t, "delivery #12", rec.Note)
	assert.Equal(t, 5, f.stockOf(t, "a"))
	require.Len(t, f.events.ofType("StockReplenished"), 1)

	rec, err = f.stock.AdjustStock(ctx, Adjustment{ProductID: "a", Delta: -3, Reason: entity.ReasonDamaged, Actor: staff})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.StockAfter)
	low := f.events.ofType("StockLow")
	require.Len(t, low, 1)
	assert.Equal(t, 3, low[0].(entity.StockLow).Threshold)

	history, err := f.stock.AdjustmentHistory(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, entity.ReasonDamaged, history[0].Reason)
	assert.Equal(t, entity.ReasonNewStock, history[1].Reason)
	assert.Equal(t, staff, history[1].Actor)
}

func TestAdjustStock_NeverNegative(t *testing.T) {
	f := newFixture(t, product("a", "10", "0", 2))

	_, err := f.stock.AdjustStock(context.Background(), Adjustment{ProductID: "a", Delta: -3, Reason: entity.ReasonCorrection, Actor: staff})
	var de *entity.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, entity.CodeInsufficientStock, de.Code)
	assert.Equal(t, 2, de.Available)
	assert.Equal(t, 2, f.stockOf(t, "a"))

	history, err := f.stock.AdjustmentHistory(context.Background(), "a", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAdjustStock_Validation(t *testing.T) {
	f := newFixture(t, product("a", "10", "0", 2))
	ctx := context.Background()

	tests := []struct {
		name string
		adj  Adjustment
		code entity.ErrorCode
	}{
		{"zero delta", Adjustment{ProductID: "a", Reason: entity.ReasonOther, Actor: staff}, entity.CodeInvalidRequest},
		{"system reason", Adjustment{ProductID: "a", Delta: 1, Reason: entity.ReasonOrderCancelled, Actor: staff}, entity.CodeInvalidRequest},
		{"unknown reason", Adjustment{ProductID: "a", Delta: 1, Reason: "GIFT", Actor: staff}, entity.CodeInvalidRequest},
		{"no actor", Adjustment{ProductID: "a", Delta: 1, Reason: entity.ReasonReturn}, entity.CodeInvalidRequest},
		{"no product", Adjustment{Delta: 1, Reason: entity.ReasonReturn, Actor: staff}, entity.CodeInvalidRequest},
		{"unknown product", Adjustment{ProductID: "zz", Delta: 1, Reason: entity.ReasonReturn, Actor: staff}, entity.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.stock.AdjustStock(ctx, tt.adj)
			assert.Equal(t, tt.code, entity.CodeOf(err))
		})
	}
	assert.Equal(t, 2, f.stockOf(t, "a"))
}

func TestAdjustmentHistory_UnknownProduct(t *testing.T) {
	f := newFixture(t)
	_, err := f.stock.AdjustmentHistory(context.Background(), "zz", 10)
	assert.Equal(t, entity.CodeNotFound, entity.CodeOf(err))
}
