package invoice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/google/uuid"
)

// Document is what gets rendered for an invoice. Amounts come from the
// order's frozen items and totals and are formatted with two decimals.
type Document struct {
	Number   string         `json:"number"`
	OrderID  string         `json:"order_id"`
	Channel  entity.Channel `json:"channel"`
	IssuedAt time.Time      `json:"issued_at"`
	BillTo   BillTo         `json:"bill_to"`
	Lines    []Line         `json:"lines"`
	Subtotal string         `json:"subtotal"`
	Tax      string         `json:"tax"`
	Discount string         `json:"discount"`
	Total    string         `json:"total"`
	Payment  string         `json:"payment"`
}

type BillTo struct {
	AccountID string `json:"account_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Mobile    string `json:"mobile,omitempty"`
	Address   string `json:"address,omitempty"`
}

type Line struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	TaxRate   string `json:"tax_rate"`
	LineTotal string `json:"line_total"`
}

// NewDocument builds the printable view of inv for order.
func NewDocument(order *entity.Order, inv *entity.Invoice) Document {
	doc := Document{
		Number:   inv.Number,
		OrderID:  order.ID,
		Channel:  order.Channel,
		IssuedAt: inv.IssuedAt,
		Lines:    make([]Line, 0, len(order.Items)),
		Subtotal: order.Subtotal.StringFixed(2),
		Tax:      order.Tax.StringFixed(2),
		Discount: order.Discount.StringFixed(2),
		Total:    order.Total.StringFixed(2),
		Payment:  fmt.Sprintf("%s (%s)", order.PaymentMethod, order.PaymentStatus),
	}

	if g := order.Customer.Guest; g != nil {
		addr := strings.TrimSpace(strings.Join([]string{g.ShippingAddress, g.City, g.Pincode}, " "))
		doc.BillTo = BillTo{Name: g.Name, Mobile: entity.NormalizeMobile(g.Mobile), Address: addr}
	} else {
		doc.BillTo = BillTo{AccountID: order.Customer.AccountID}
	}

	for _, item := range order.Items {
		doc.Lines = append(doc.Lines, Line{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			TaxRate:   item.TaxRate.StringFixed(2),
			LineTotal: item.LineTotal.StringFixed(2),
		})
	}
	return doc
}

// Renderer turns a document into a stored artefact and returns its reference.
type Renderer interface {
	Render(ctx context.Context, doc Document) (string, error)
}

// NewNumber allocates a candidate invoice number: INV- followed by eight
// uppercase hex characters. Uniqueness is enforced by the invoice store.
func NewNumber() string {
	id, err := uuid.NewRandom()
	if err != nil {
		var b [4]byte
		_, _ = rand.Read(b[:])
		return "INV-" + strings.ToUpper(hex.EncodeToString(b[:]))
	}
	return "INV-" + strings.ToUpper(hex.EncodeToString(id[:4]))
}
