package cartapi

import (
	"time"

	"finitefield.org/storefront/internal/cart"
)

// CartPayload is the cart resource exchanged with the cart API.
type CartPayload struct {
	ID         string      `json:"id"`
	Currency   string      `json:"currency"`
	Items      []cart.Item `json:"items"`
	ItemsCount int         `json:"items_count"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// CartEnvelope wraps CartPayload in GET /cart responses.
type CartEnvelope struct {
	Cart CartPayload `json:"cart"`
}

// QuantityRequest is the body of PUT /cart/items/{itemID}.
type QuantityRequest struct {
	Quantity int `json:"quantity"`
}

// NewCartPayload builds the wire form of c for userID.
func NewCartPayload(userID string, c cart.Cart, updatedAt time.Time) CartPayload {
	items := c.Items
	if items == nil {
		items = []cart.Item{}
	}
	return CartPayload{
		ID:         userID,
		Currency:   c.Currency,
		Items:      items,
		ItemsCount: c.ItemCount(),
		UpdatedAt:  updatedAt.UTC(),
	}
}

// Cart converts the payload to the domain cart.
func (p CartPayload) Cart() cart.Cart {
	return cart.Cart{Currency: p.Currency, Items: p.Items}
}
