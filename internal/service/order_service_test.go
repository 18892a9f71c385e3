package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPlaceOrder_POSFlatTax(t *testing.T) {
	f := newFixture(t, product("p1", "1000.00", "5", 3))

	order, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelPOS, line("p1", 1)))
	require.NoError(t, err)

	assert.Equal(t, "1000.00", order.Subtotal.StringFixed(2))
	assert.Equal(t, "180.00", order.Tax.StringFixed(2))
	assert.Equal(t, "1180.00", order.Total.StringFixed(2))
	assert.Equal(t, entity.StatusCompleted, order.Status)
	assert.Equal(t, entity.PaymentCompleted, order.PaymentStatus)
	assert.Equal(t, entity.PaymentCash, order.PaymentMethod)
	assert.True(t, order.Items[0].TaxRate.Equal(decimal.NewFromInt(18)))
	assert.Equal(t, 2, f.stockOf(t, "p1"))
}

func TestPlaceOrder_POSFlatTaxNotApplied(t *testing.T) {
	f := newFixture(t, product("p1", "1000.00", "5", 3))

	req := accountOrder(entity.ChannelPOS, line("p1", 1))
	req.TaxPolicy = entity.FlatTax(decimal.Zero, false)
	order, err := f.orders.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, order.Tax.IsZero())
	assert.Equal(t, "1000.00", order.Total.StringFixed(2))
}

func TestPlaceOrder_OnlinePerItemTax(t *testing.T) {
	f := newFixture(t, product("a", "100.00", "18", 5), product("b", "50.00", "0", 5))

	order, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelOnline, line("a", 1), line("b", 1)))
	require.NoError(t, err)

	assert.Equal(t, "150.00", order.Subtotal.StringFixed(2))
	assert.Equal(t, "18.00", order.Tax.StringFixed(2))
	assert.Equal(t, "168.00", order.Total.StringFixed(2))
	assert.Equal(t, entity.StatusPending, order.Status)
	assert.Equal(t, entity.PaymentPending, order.PaymentStatus)
	assert.Equal(t, entity.PaymentCOD, order.PaymentMethod)
	assert.True(t, order.Reconciles())

	placed := f.events.ofType("OrderPlaced")
	require.Len(t, placed, 1)
	assert.Equal(t, order.ID, placed[0].StreamID())
	assert.Equal(t, "168.00", placed[0].(entity.OrderPlaced).Total)
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t, product("p1", "10", "0", 5))

	tests := []struct {
		name string
		req  *entity.PlaceOrder
	}{
		{"nil", nil},
		{"no items", accountOrder(entity.ChannelOnline)},
		{"zero quantity", accountOrder(entity.ChannelOnline, line("p1", 0))},
		{"negative quantity", accountOrder(entity.ChannelOnline, line("p1", -2))},
		{"blank product", accountOrder(entity.ChannelOnline, line(" ", 1))},
		{"unknown channel", accountOrder("FAX", line("p1", 1))},
		{"no customer", &entity.PlaceOrder{Channel: entity.ChannelAPI, Items: []entity.LineRequest{line("p1", 1)}}},
		{"both customers", &entity.PlaceOrder{
			Channel:  entity.ChannelAPI,
			Customer: entity.Customer{AccountID: "a", Guest: &entity.GuestContact{Name: "x"}},
			Items:    []entity.LineRequest{line("p1", 1)},
		}},
		{"online guest without address", &entity.PlaceOrder{
			Channel:  entity.ChannelOnline,
			Customer: entity.Customer{Guest: &entity.GuestContact{Name: "x", Mobile: "9876543210"}},
			Items:    []entity.LineRequest{line("p1", 1)},
		}},
		{"guest without name", &entity.PlaceOrder{
			Channel:  entity.ChannelPOS,
			Customer: entity.Customer{Guest: &entity.GuestContact{}},
			Items:    []entity.LineRequest{line("p1", 1)},
		}},
		{"flat policy on online", func() *entity.PlaceOrder {
			r := accountOrder(entity.ChannelOnline, line("p1", 1))
			r.TaxPolicy = entity.FlatTax(decimal.NewFromInt(18), true)
			return r
		}()},
		{"per item policy on pos", func() *entity.PlaceOrder {
			r := accountOrder(entity.ChannelPOS, line("p1", 1))
			r.TaxPolicy = entity.PerItemTax()
			return r
		}()},
		{"negative discount", func() *entity.PlaceOrder {
			r := accountOrder(entity.ChannelAPI, line("p1", 1))
			r.Discount = decimal.NewFromInt(-1)
			return r
		}()},
		{"unknown payment method", func() *entity.PlaceOrder {
			r := accountOrder(entity.ChannelAPI, line("p1", 1))
			r.PaymentMethod = "BARTER"
			return r
		}()},
		{"wholesale guest", &entity.PlaceOrder{
			Channel:   entity.ChannelPOS,
			Customer:  entity.Customer{Guest: &entity.GuestContact{Name: "x"}},
			Items:     []entity.LineRequest{line("p1", 1)},
			PriceTier: entity.TierWholesale,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orders.PlaceOrder(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, entity.CodeInvalidRequest, entity.CodeOf(err))
		})
	}
	assert.Equal(t, 5, f.stockOf(t, "p1"))
	assert.Zero(t, f.orderCount(t))
	assert.Empty(t, f.events.ofType("OrderPlaced"))
}

func TestPlaceOrder_ProductUnavailable(t *testing.T) {
	inactive := product("old", "10", "0", 5)
	inactive.Active = false
	f := newFixture(t, product("p1", "10", "0", 5), inactive)

	for _, id := range []string{"missing", "old"} {
		_, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelAPI, line("p1", 1), line(id, 1)))
		var de *entity.Error
		require.ErrorAs(t, err, &de)
		assert.Equal(t, entity.CodeProductUnavailable, de.Code)
		assert.Equal(t, id, de.ProductID)
	}
	assert.Equal(t, 5, f.stockOf(t, "p1"))
	assert.Equal(t, 5, f.stockOf(t, "old"))
}

func TestPlaceOrder_AllOrNothing(t *testing.T) {
	f := newFixture(t, product("a", "10", "0", 5), product("b", "10", "0", 5), product("c", "10", "0", 1))

	_, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelOnline, line("a", 2), line("b", 3), line("c", 2)))
	var de *entity.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, entity.CodeInsufficientStock, de.Code)
	assert.Equal(t, "c", de.ProductID)
	assert.Equal(t, 1, de.Available)

	assert.Equal(t, 5, f.stockOf(t, "a"))
	assert.Equal(t, 5, f.stockOf(t, "b"))
	assert.Equal(t, 1, f.stockOf(t, "c"))
	assert.Zero(t, f.orderCount(t))
	assert.Empty(t, f.events.events)
}

func TestPlaceOrder_DuplicateLinesShareStock(t *testing.T) {
	f := newFixture(t, product("a", "10", "0", 3))

	_, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelAPI, line("a", 2), line("a", 2)))
	require.True(t, errors.Is(err, &entity.Error{Code: entity.CodeInsufficientStock}))
	var de *entity.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Available, "available is what is on hand, not what the first line left")
	assert.Equal(t, 3, f.stockOf(t, "a"))

	order, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelAPI, line("a", 1), line("a", 2)))
	require.NoError(t, err)
	assert.Len(t, order.Items, 2)
	assert.Equal(t, 0, f.stockOf(t, "a"))
}

func TestPlaceOrder_StorageFailureRollsBack(t *testing.T) {
	f := newFixture(t, product("a", "10", "0", 5))
	svc := NewOrderService(faultyStore{f.store}, f.events, decimal.NewFromInt(18))

	_, err := svc.PlaceOrder(context.Background(), accountOrder(entity.ChannelOnline, line("a", 2)))
	require.Error(t, err)
	assert.Equal(t, entity.CodePlacementFailed, entity.CodeOf(err))
	assert.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, 5, f.stockOf(t, "a"))
	assert.Zero(t, f.orderCount(t))
	assert.Empty(t, f.events.events)
}

func TestPlaceOrder_LastUnitRace(t *testing.T) {
	f := newFixture(t, product("p1", "10", "0", 1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelOnline, line("p1", 1)))
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var de *entity.Error
		require.ErrorAs(t, err, &de)
		assert.Equal(t, entity.CodeInsufficientStock, de.Code)
		assert.Equal(t, 0, de.Available)
		rejected++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 0, f.stockOf(t, "p1"))
}

func TestPlaceOrder_NoOversell(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ids := []string{"a", "b", "c"}
		initial := map[string]int{}
		store := memory.NewStore()
		f := &fixture{store: store, events: &recorder{}}
		f.orders = NewOrderService(store, f.events, decimal.NewFromInt(18))
		for _, id := range ids {
			initial[id] = rapid.IntRange(0, 6).Draw(rt, "stock-"+id)
			f.upsert(t, product(id, "9.99", "12", initial[id]))
		}

		n := rapid.IntRange(1, 12).Draw(rt, "orders")
		reqs := make([]*entity.PlaceOrder, n)
		for i := range reqs {
			k := rapid.IntRange(1, 3).Draw(rt, fmt.Sprintf("lines-%d", i))
			var lines []entity.LineRequest
			for j := 0; j < k; j++ {
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, fmt.Sprintf("product-%d-%d", i, j))]
				lines = append(lines, line(id, rapid.IntRange(1, 3).Draw(rt, fmt.Sprintf("qty-%d-%d", i, j))))
			}
			reqs[i] = accountOrder(entity.ChannelAPI, lines...)
		}

		var wg sync.WaitGroup
		orders := make([]*entity.Order, n)
		errs := make([]error, n)
		for i := range reqs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				orders[i], errs[i] = f.orders.PlaceOrder(context.Background(), reqs[i])
			}(i)
		}
		wg.Wait()

		sold := map[string]int{}
		for i, err := range errs {
			if err != nil {
				if entity.CodeOf(err) != entity.CodeInsufficientStock {
					rt.Fatalf("order %d: unexpected error %v", i, err)
				}
				continue
			}
			if !orders[i].Reconciles() {
				rt.Fatalf("order %d does not reconcile", i)
			}
			for _, item := range orders[i].Items {
				sold[item.ProductID] += item.Quantity
			}
		}
		for _, id := range ids {
			left := f.stockOf(t, id)
			if left < 0 {
				rt.Fatalf("%s went negative: %d", id, left)
			}
			if initial[id]-sold[id] != left {
				rt.Fatalf("%s: initial %d sold %d left %d", id, initial[id], sold[id], left)
			}
		}
	})
}

func TestPlaceOrder_FrozenPrices(t *testing.T) {
	f := newFixture(t, product("p1", "100.00", "18", 5))

	order, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelOnline, line("p1", 2)))
	require.NoError(t, err)

	changed := product("p1", "250.00", "28", 99)
	f.upsert(t, changed)

	got, err := f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "18.00", got.Items[0].TaxRate.StringFixed(2))
	assert.Equal(t, "236.00", got.Total.StringFixed(2))
	// Upsert never overwrites stock of an existing product.
	assert.Equal(t, 3, f.stockOf(t, "p1"))
}

func TestPlaceOrder_WholesaleAndDiscount(t *testing.T) {
	p := product("p1", "100.00", "18", 10)
	p.WholesalePrice = decimal.RequireFromString("80.00")
	f := newFixture(t, p)

	req := accountOrder(entity.ChannelAPI, line("p1", 2))
	req.CreatedBy.Role = entity.RoleReseller
	req.PriceTier = entity.TierWholesale
	req.Discount = decimal.RequireFromString("10.00")
	order, err := f.orders.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "160.00", order.Subtotal.StringFixed(2))
	assert.Equal(t, "28.80", order.Tax.StringFixed(2))
	assert.Equal(t, "178.80", order.Total.StringFixed(2))
	assert.True(t, order.Reconciles())
}

func TestPlaceOrder_WholesaleTierNeedsReseller(t *testing.T) {
	p := product("p1", "100.00", "0", 10)
	p.WholesalePrice = decimal.RequireFromString("80.00")
	f := newFixture(t, p)

	tests := []struct {
		name  string
		by    entity.Actor
		allow bool
	}{
		{"customer", entity.Actor{ID: "acc-1", Role: entity.RoleCustomer}, false},
		{"reseller for another account", entity.Actor{ID: "acc-2", Role: entity.RoleReseller}, false},
		{"reseller", entity.Actor{ID: "acc-1", Role: entity.RoleReseller}, true},
		{"staff on behalf", staff, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := accountOrder(entity.ChannelAPI, line("p1", 1))
			req.CreatedBy = tt.by
			req.PriceTier = entity.TierWholesale
			order, err := f.orders.PlaceOrder(context.Background(), req)
			if !tt.allow {
				assert.Equal(t, entity.CodeInvalidRequest, entity.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "80.00", order.Subtotal.StringFixed(2))
		})
	}
	assert.Equal(t, 8, f.stockOf(t, "p1"))
}

func TestPlaceOrder_ExcessiveDiscountReleasesStock(t *testing.T) {
	f := newFixture(t, product("p1", "10.00", "0", 4))

	req := accountOrder(entity.ChannelAPI, line("p1", 1))
	req.Discount = decimal.NewFromInt(50)
	_, err := f.orders.PlaceOrder(context.Background(), req)
	assert.Equal(t, entity.CodeInvalidRequest, entity.CodeOf(err))
	assert.Equal(t, 4, f.stockOf(t, "p1"))
}

func TestPlaceOrder_StockLowAlert(t *testing.T) {
	p := product("p1", "10", "0", 6)
	p.ReorderThreshold = 5
	f := newFixture(t, p)

	_, err := f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelAPI, line("p1", 1), line("p1", 1)))
	require.NoError(t, err)

	low := f.events.ofType("StockLow")
	require.Len(t, low, 1)
	assert.Equal(t, 4, low[0].(entity.StockLow).Available)

	f.events.reset()
	_, err = f.orders.PlaceOrder(context.Background(), accountOrder(entity.ChannelAPI, line("p1", 1)))
	require.NoError(t, err)
	assert.Empty(t, f.events.ofType("StockLow"), "already below threshold")
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orders.GetOrder(context.Background(), "nope")
	assert.Equal(t, entity.CodeNotFound, entity.CodeOf(err))
}
