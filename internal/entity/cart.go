package entity

import "fmt"

// LineRequest is one requested line of an order before pricing.
type LineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Cart collects requested lines for a single checkout. It is a plain value
// handed to the placement engine; nothing about it is shared between requests.
type Cart struct {
	order []string
	qty   map[string]int
}

func NewCart() *Cart {
	return &Cart{qty: make(map[string]int)}
}

// Add puts quantity units of a product into the cart, merging with an existing line.
func (c *Cart) Add(productID string, quantity int) error {
	if productID == "" {
		return fmt.Errorf("product id is required")
	}
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if c.qty == nil {
		c.qty = make(map[string]int)
	}
	if _, exists := c.qty[productID]; !exists {
		c.order = append(c.order, productID)
	}
	c.qty[productID] += quantity
	return nil
}

// Remove takes quantity units out; the line disappears when it reaches zero.
func (c *Cart) Remove(productID string, quantity int) {
	current, exists := c.qty[productID]
	if !exists {
		return
	}
	current -= quantity
	if current > 0 {
		c.qty[productID] = current
		return
	}
	delete(c.qty, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cart) Empty() bool { return len(c.order) == 0 }

// Lines returns the cart contents in the order products were first added.
func (c *Cart) Lines() []LineRequest {
	lines := make([]LineRequest, 0, len(c.order))
	for _, id := range c.order {
		lines = append(lines, LineRequest{ProductID: id, Quantity: c.qty[id]})
	}
	return lines
}
