package http

import (
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/service"
)

type PlaceOrderRequest struct {
	Customer      entity.Customer      `json:"customer"`
	Items         []LineItemRequest    `json:"items"`
	Tax           *TaxPolicyRequest    `json:"tax,omitempty"`
	PriceTier     entity.PriceTier     `json:"price_tier,omitempty"`
	PaymentMethod entity.PaymentMethod `json:"payment_method,omitempty"`
	Discount      string               `json:"discount,omitempty"`
}

type LineItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// TaxPolicyRequest selects the POS flat rate toggle. Rate is optional and
// defaults to the configured store rate.
type TaxPolicyRequest struct {
	Kind    entity.TaxPolicyKind `json:"kind"`
	Rate    string               `json:"rate,omitempty"`
	Applied bool                 `json:"applied"`
}

type StatusRequest struct {
	Status entity.OrderStatus `json:"status"`
}

type PaymentRequest struct {
	Status    entity.PaymentStatus `json:"status"`
	Reference string               `json:"reference,omitempty"`
}

type AdjustmentRequest struct {
	Delta  int                     `json:"delta"`
	Reason entity.AdjustmentReason `json:"reason"`
	Note   string                  `json:"note,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
	Available *int   `json:"available,omitempty"`
}

type ProductResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	RetailPrice      string `json:"retail_price"`
	WholesalePrice   string `json:"wholesale_price,omitempty"`
	TaxRate          string `json:"tax_rate"`
	Stock            int    `json:"stock"`
	ReorderThreshold int    `json:"reorder_threshold"`
	Active           bool   `json:"active"`
}

type OrderItemResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	TaxRate   string `json:"tax_rate"`
	LineTotal string `json:"line_total"`
}

type OrderResponse struct {
	ID               string               `json:"id"`
	Channel          entity.Channel       `json:"channel"`
	Customer         entity.Customer      `json:"customer"`
	Status           entity.OrderStatus   `json:"status"`
	PaymentMethod    entity.PaymentMethod `json:"payment_method"`
	PaymentStatus    entity.PaymentStatus `json:"payment_status"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	PriceTier        entity.PriceTier     `json:"price_tier"`
	Subtotal         string               `json:"subtotal"`
	Tax              string               `json:"tax"`
	Discount         string               `json:"discount"`
	Total            string               `json:"total"`
	Items            []OrderItemResponse  `json:"items"`
	CreatedBy        entity.Actor         `json:"created_by"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

type TransitionResponse struct {
	Order          OrderResponse      `json:"order"`
	PreviousStatus entity.OrderStatus `json:"previous_status"`
	Applied        bool               `json:"applied"`
}

func mapProduct(p entity.Product) ProductResponse {
	resp := ProductResponse{
		ID:               p.ID,
		Name:             p.Name,
		RetailPrice:      p.RetailPrice.StringFixed(2),
		TaxRate:          p.TaxRate.StringFixed(2),
		Stock:            p.Stock,
		ReorderThreshold: p.ReorderThreshold,
		Active:           p.Active,
	}
	if p.WholesalePrice.IsPositive() {
		resp.WholesalePrice = p.WholesalePrice.StringFixed(2)
	}
	return resp
}

func mapOrder(o *entity.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			TaxRate:   it.TaxRate.StringFixed(2),
			LineTotal: it.LineTotal.StringFixed(2),
		}
	}
	return OrderResponse{
		ID:               o.ID,
		Channel:          o.Channel,
		Customer:         o.Customer,
		Status:           o.Status,
		PaymentMethod:    o.PaymentMethod,
		PaymentStatus:    o.PaymentStatus,
		PaymentReference: o.PaymentReference,
		PriceTier:        o.PriceTier,
		Subtotal:         o.Subtotal.StringFixed(2),
		Tax:              o.Tax.StringFixed(2),
		Discount:         o.Discount.StringFixed(2),
		Total:            o.Total.StringFixed(2),
		Items:            items,
		CreatedBy:        o.CreatedBy,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func mapTransition(t *service.Transition) TransitionResponse {
	return TransitionResponse{Order: mapOrder(t.Order), PreviousStatus: t.Previous, Applied: t.Applied}
}
