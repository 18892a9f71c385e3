// Package pricing turns priced order lines into subtotal, tax and total.
//
// All arithmetic is decimal. Tax is rounded to two places per line under the
// per-item policy (once on the subtotal under the flat policy), and the total
// is always assembled from the rounded parts so it reconciles to the cent.
package pricing

import (
	"fmt"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/shopspring/decimal"
)

const places = 2

var hundred = decimal.NewFromInt(100)

// DefaultFlatRate is the counter-sale GST rate.
var DefaultFlatRate = decimal.NewFromInt(18)

// Line is one priced order line.
type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
	TaxRate   decimal.Decimal
}

// LineAmounts are the computed amounts of a single line.
type LineAmounts struct {
	LineTotal decimal.Decimal
	// Tax is only populated under the per-item policy.
	Tax decimal.Decimal
}

// Breakdown is the full pricing result of an order.
type Breakdown struct {
	Lines    []LineAmounts
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Calculate prices lines under policy and applies discount.
func Calculate(lines []Line, policy entity.TaxPolicy, discount decimal.Decimal) (Breakdown, error) {
	if len(lines) == 0 {
		return Breakdown{}, fmt.Errorf("no lines to price")
	}
	if discount.IsNegative() {
		return Breakdown{}, fmt.Errorf("discount must not be negative")
	}

	b := Breakdown{
		Lines:    make([]LineAmounts, len(lines)),
		Subtotal: decimal.Zero,
		Tax:      decimal.Zero,
		Discount: discount.Round(places),
	}

	for i, l := range lines {
		if l.Quantity <= 0 {
			return Breakdown{}, fmt.Errorf("line %d: quantity must be positive", i)
		}
		if l.UnitPrice.IsNegative() {
			return Breakdown{}, fmt.Errorf("line %d: unit price must not be negative", i)
		}
		lineTotal := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(places)
		b.Lines[i].LineTotal = lineTotal
		b.Subtotal = b.Subtotal.Add(lineTotal)

		if policy.Kind == entity.TaxPerItem {
			tax := lineTotal.Mul(l.TaxRate).Div(hundred).Round(places)
			b.Lines[i].Tax = tax
			b.Tax = b.Tax.Add(tax)
		}
	}

	switch policy.Kind {
	case entity.TaxPerItem:
	case entity.TaxFlat:
		if policy.Applied {
			b.Tax = b.Subtotal.Mul(policy.Rate).Div(hundred).Round(places)
		}
	default:
		return Breakdown{}, fmt.Errorf("unknown tax policy %q", policy.Kind)
	}

	if b.Discount.GreaterThan(b.Subtotal.Add(b.Tax)) {
		return Breakdown{}, fmt.Errorf("discount %s exceeds order value %s", b.Discount.StringFixed(places), b.Subtotal.Add(b.Tax).StringFixed(places))
	}
	b.Total = b.Subtotal.Add(b.Tax).Sub(b.Discount)
	return b, nil
}

// EffectiveRate is the tax rate frozen onto an order item under policy.
func EffectiveRate(policy entity.TaxPolicy, productRate decimal.Decimal) decimal.Decimal {
	if policy.Kind == entity.TaxFlat {
		if policy.Applied {
			return policy.Rate
		}
		return decimal.Zero
	}
	return productRate
}

// PolicyFor resolves the tax policy of an order on a channel. A zero policy
// takes the channel default; a policy of the wrong kind for the channel is rejected.
func PolicyFor(channel entity.Channel, requested entity.TaxPolicy, flatRate decimal.Decimal) (entity.TaxPolicy, error) {
	want := entity.TaxPerItem
	if channel == entity.ChannelPOS {
		want = entity.TaxFlat
	}
	if requested.Kind == "" {
		if want == entity.TaxFlat {
			return entity.FlatTax(flatRate, true), nil
		}
		return entity.PerItemTax(), nil
	}
	if requested.Kind != want {
		return entity.TaxPolicy{}, fmt.Errorf("%s orders use the %s tax policy, got %s", channel, want, requested.Kind)
	}
	if requested.Kind == entity.TaxFlat && requested.Rate.IsZero() {
		requested.Rate = flatRate
	}
	if requested.Rate.IsNegative() {
		return entity.TaxPolicy{}, fmt.Errorf("tax rate must not be negative")
	}
	return requested, nil
}
