package entity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the origin of an order request.
type Channel string

const (
	ChannelOnline Channel = "ONLINE"
	ChannelPOS    Channel = "POS"
	ChannelAPI    Channel = "API"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelOnline, ChannelPOS, ChannelAPI:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type PaymentMethod string

const (
	PaymentCOD        PaymentMethod = "COD"
	PaymentUPI        PaymentMethod = "UPI"
	PaymentNetBanking PaymentMethod = "NETBANKING"
	PaymentCash       PaymentMethod = "CASH"
	PaymentCard       PaymentMethod = "CARD"
	PaymentBank       PaymentMethod = "BANK"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCOD, PaymentUPI, PaymentNetBanking, PaymentCash, PaymentCard, PaymentBank:
		return true
	}
	return false
}

// PriceTier selects which catalog price an order is charged at.
type PriceTier string

const (
	TierRetail    PriceTier = "RETAIL"
	TierWholesale PriceTier = "WHOLESALE"
)

type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleStaff    Role = "STAFF"
	RoleReseller Role = "RESELLER"
	RoleCustomer Role = "CUSTOMER"
	RoleSystem   Role = "SYSTEM"
)

// Actor is whoever caused a write: a customer, a staff member or the system itself.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for writes triggered by background handlers.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Product is the catalog snapshot the engine prices and reserves against.
type Product struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	RetailPrice      decimal.Decimal `json:"retail_price"`
	WholesalePrice   decimal.Decimal `json:"wholesale_price"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	Stock            int             `json:"stock"`
	ReorderThreshold int             `json:"reorder_threshold"`
	Active           bool            `json:"active"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PriceFor returns the unit price charged at the given tier.
func (p Product) PriceFor(tier PriceTier) decimal.Decimal {
	if tier == TierWholesale && p.WholesalePrice.IsPositive() {
		return p.WholesalePrice
	}
	return p.RetailPrice
}

// GuestContact is the inline customer record of an order placed without an account.
type GuestContact struct {
	Name            string `json:"name"`
	Mobile          string `json:"mobile,omitempty"`
	Email           string `json:"email,omitempty"`
	ShippingAddress string `json:"shipping_address,omitempty"`
	City            string `json:"city,omitempty"`
	Pincode         string `json:"pincode,omitempty"`
}

// NormalizeMobile prefixes numbers without a country code with +91.
func NormalizeMobile(mobile string) string {
	m := strings.Join(strings.Fields(mobile), "")
	if m == "" || strings.HasPrefix(m, "+") {
		return m
	}
	return "+91" + strings.TrimPrefix(m, "0")
}

// Customer references either an account or a guest, never both.
type Customer struct {
	AccountID string        `json:"account_id,omitempty"`
	Guest     *GuestContact `json:"guest,omitempty"`
}

// OrderItem is a line of a committed order. Price and tax rate are copies
// taken at placement and never re-read from the catalog.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Order represents a committed customer order.
type Order struct {
	ID               string          `json:"id"`
	Channel          Channel         `json:"channel"`
	Customer         Customer        `json:"customer"`
	Status           OrderStatus     `json:"status"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	PriceTier        PriceTier       `json:"price_tier"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Discount         decimal.Decimal `json:"discount"`
	Total            decimal.Decimal `json:"total"`
	CreatedBy        Actor           `json:"created_by"`
	Items            []OrderItem     `json:"items"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Reconciles reports whether total == subtotal + tax - discount to the cent.
func (o *Order) Reconciles() bool {
	return o.Subtotal.Add(o.Tax).Sub(o.Discount).Equal(o.Total)
}

// Invoice is issued at most once per order.
type Invoice struct {
	OrderID     string    `json:"order_id"`
	Number      string    `json:"number"`
	DocumentRef string    `json:"document_ref,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// AdjustmentReason classifies a stock movement outside normal sale fulfilment.
type AdjustmentReason string

const (
	ReasonNewStock       AdjustmentReason = "NEW_STOCK"
	ReasonDamaged        AdjustmentReason = "DAMAGED"
	ReasonCorrection     AdjustmentReason = "CORRECTION"
	ReasonReturn         AdjustmentReason = "RETURN"
	ReasonOther          AdjustmentReason = "OTHER"
	ReasonOrderCancelled AdjustmentReason = "ORDER_CANCELLED"
)

// Manual reports whether staff may record the reason by hand.
func (r AdjustmentReason) Manual() bool {
	switch r {
	case ReasonNewStock, ReasonDamaged, ReasonCorrection, ReasonReturn, ReasonOther:
		return true
	}
	return false
}

// StockAdjustment is one append-only audit row.
type StockAdjustment struct {
	ID         int64            `json:"id"`
	ProductID  string           `json:"product_id"`
	Delta      int              `json:"delta"`
	Reason     AdjustmentReason `json:"reason"`
	Actor      Actor            `json:"actor"`
	Note       string           `json:"note,omitempty"`
	OrderID    string           `json:"order_id,omitempty"`
	StockAfter int              `json:"stock_after"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// TaxPolicyKind names how tax is computed for an order.
type TaxPolicyKind string

const (
	// TaxPerItem charges each line at its product's own rate.
	TaxPerItem TaxPolicyKind = "PER_ITEM"
	// TaxFlat applies one rate to the whole subtotal, or nothing when not applied.
	TaxFlat TaxPolicyKind = "FLAT"
)

// TaxPolicy is chosen per order; the two kinds never mix.
type TaxPolicy struct {
	Kind    TaxPolicyKind   `json:"kind"`
	Rate    decimal.Decimal `json:"rate"`
	Applied bool            `json:"applied"`
}

func PerItemTax() TaxPolicy { return TaxPolicy{Kind: TaxPerItem} }

func FlatTax(rate decimal.Decimal, applied bool) TaxPolicy {
	return TaxPolicy{Kind: TaxFlat, Rate: rate, Applied: applied}
}

// PlaceOrder is the command handed to the placement engine by a channel adapter.
type PlaceOrder struct {
	Channel       Channel         `json:"channel"`
	Customer      Customer        `json:"customer"`
	Items         []LineRequest   `json:"items"`
	TaxPolicy     TaxPolicy       `json:"tax_policy"`
	PriceTier     PriceTier       `json:"price_tier"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Discount      decimal.Decimal `json:"discount"`
	CreatedBy     Actor           `json:"created_by"`
}
