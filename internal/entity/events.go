package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event represents a domain event.
type Event interface {
	EventType() string
	// StreamID is the identifier of the order or product the event belongs to.
	StreamID() string
}

// Recipient is who a customer-facing notification goes to. Account holders are
// resolved by the user directory from AccountID.
type Recipient struct {
	AccountID string `json:"account_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Mobile    string `json:"mobile,omitempty"`
	Email     string `json:"email,omitempty"`
}

// RecipientOf builds the notification recipient for an order's customer.
func RecipientOf(c Customer) Recipient {
	if c.Guest == nil {
		return Recipient{AccountID: c.AccountID}
	}
	return Recipient{
		Name:   c.Guest.Name,
		Mobile: NormalizeMobile(c.Guest.Mobile),
		Email:  c.Guest.Email,
	}
}

// OrderPlaced is emitted once an order is committed.
type OrderPlaced struct {
	OrderID   string      `json:"order_id"`
	Channel   Channel     `json:"channel"`
	Status    OrderStatus `json:"status"`
	Total     string      `json:"total"`
	Recipient Recipient   `json:"recipient"`
	PlacedAt  time.Time   `json:"placed_at"`
}

func (e OrderPlaced) EventType() string { return "OrderPlaced" }
func (e OrderPlaced) StreamID() string  { return e.OrderID }

// Message is the confirmation text sent to the customer.
func (e OrderPlaced) Message() string {
	name := e.Recipient.Name
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hello %s, your order #%s has been placed! Total: %s.", name, e.OrderID, e.Total)
}

// OrderStatusChanged is emitted exactly once per real status change.
type OrderStatusChanged struct {
	OrderID        string      `json:"order_id"`
	PreviousStatus OrderStatus `json:"previous_status"`
	NewStatus      OrderStatus `json:"new_status"`
	Recipient      Recipient   `json:"recipient"`
	ChangedBy      Actor       `json:"changed_by"`
	ChangedAt      time.Time   `json:"changed_at"`
}

func (e OrderStatusChanged) EventType() string { return "OrderStatusChanged" }
func (e OrderStatusChanged) StreamID() string  { return e.OrderID }

func (e OrderStatusChanged) Message() string {
	switch e.NewStatus {
	case StatusConfirmed:
		return fmt.Sprintf("Order #%s Confirmed! We are processing your order.", e.OrderID)
	case StatusShipped:
		return fmt.Sprintf("Order #%s has been shipped. It will reach you soon.", e.OrderID)
	case StatusDelivered:
		return fmt.Sprintf("Order #%s Delivered. Thank you for shopping with us!", e.OrderID)
	case StatusCancelled:
		return fmt.Sprintf("Order #%s has been cancelled.", e.OrderID)
	}
	return fmt.Sprintf("Order #%s is now %s.", e.OrderID, e.NewStatus)
}

// PaymentStatusChanged is emitted when a payment callback changes an order's payment status.
type PaymentStatusChanged struct {
	OrderID   string        `json:"order_id"`
	Previous  PaymentStatus `json:"previous"`
	Current   PaymentStatus `json:"current"`
	Reference string        `json:"reference,omitempty"`
	ChangedAt time.Time     `json:"changed_at"`
}

func (e PaymentStatusChanged) EventType() string { return "PaymentStatusChanged" }
func (e PaymentStatusChanged) StreamID() string  { return e.OrderID }

// StockLow is emitted when availability drops below the reorder threshold.
type StockLow struct {
	ProductID string    `json:"product_id"`
	Available int       `json:"available"`
	Threshold int       `json:"threshold"`
	At        time.Time `json:"at"`
}

func (e StockLow) EventType() string { return "StockLow" }
func (e StockLow) StreamID() string  { return e.ProductID }

// StockReplenished is emitted when a product goes from sold out to available,
// so back-in-stock subscribers can be told.
type StockReplenished struct {
	ProductID string    `json:"product_id"`
	Available int       `json:"available"`
	At        time.Time `json:"at"`
}

func (e StockReplenished) EventType() string { return "StockReplenished" }
func (e StockReplenished) StreamID() string  { return e.ProductID }

// EventRecord is the serialized form of an event as it travels through the dispatcher.
type EventRecord struct {
	ID        string          `json:"id"`
	StreamID  string          `json:"stream_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode turns a record back into its typed event.
func (r EventRecord) Decode() (Event, error) {
	var (
		e   Event
		err error
	)
	switch r.EventType {
	case "OrderPlaced":
		var v OrderPlaced
		err = json.Unmarshal(r.Payload, &v)
		e = v
	case "OrderStatusChanged":
		var v OrderStatusChanged
		err = json.Unmarshal(r.Payload, &v)
		e = v
	case "PaymentStatusChanged":
		var v PaymentStatusChanged
		err = json.Unmarshal(r.Payload, &v)
		e = v
	case "StockLow":
		var v StockLow
		err = json.Unmarshal(r.Payload, &v)
		e = v
	case "StockReplenished":
		var v StockReplenished
		err = json.Unmarshal(r.Payload, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown event type: %s", r.EventType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", r.EventType, err)
	}
	return e, nil
}
