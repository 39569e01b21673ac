package cart

import "strings"

// MaxQuantity is the largest quantity one cart line may hold. It keeps
// quantity × unit price well inside int64 for any realistic price.
const MaxQuantity = 99

// ValidQuantity reports whether quantity may be stored on a cart line.
func ValidQuantity(quantity int) bool {
	return quantity >= 1 && quantity <= MaxQuantity
}

// Item is a single line in the cart. Display fields are copied from the
// remote catalog when the cart is fetched.
type Item struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	Name        string `json:"name"`
	ImageURL    string `json:"image_url,omitempty"`
	Description string `json:"description,omitempty"`
	UnitPrice   int64  `json:"unit_price"`
	Currency    string `json:"currency,omitempty"`
	Quantity    int    `json:"quantity"`
}

// LineTotal returns quantity × unit price.
func (i Item) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// Cart is an ordered list of items. Totals are always derived from Items.
type Cart struct {
	Currency string `json:"currency,omitempty"`
	Items    []Item `json:"items"`
}

// Total returns the sum of line totals.
func (c Cart) Total() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.LineTotal()
	}
	return total
}

// ItemCount returns the sum of quantities.
func (c Cart) ItemCount() int {
	count := 0
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}

// Clone returns a deep copy so callers never share the backing array.
func (c Cart) Clone() Cart {
	out := Cart{Currency: c.Currency}
	if len(c.Items) > 0 {
		out.Items = make([]Item, len(c.Items))
		copy(out.Items, c.Items)
	}
	return out
}

// Find returns the item with the given id.
func (c Cart) Find(itemID string) (Item, bool) {
	for _, item := range c.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return Item{}, false
}

func (c Cart) withQuantity(itemID string, quantity int) (Cart, bool) {
	out := c.Clone()
	for i := range out.Items {
		if out.Items[i].ID == itemID {
			out.Items[i].Quantity = quantity
			return out, true
		}
	}
	return c, false
}

func (c Cart) without(itemID string) (Cart, bool) {
	out := Cart{Currency: c.Currency, Items: make([]Item, 0, len(c.Items))}
	found := false
	for _, item := range c.Items {
		if item.ID == itemID {
			found = true
			continue
		}
		out.Items = append(out.Items, item)
	}
	if !found {
		return c, false
	}
	return out, true
}

// normalized drops payload rows a remote should never send: blank or
// duplicate ids and quantities below one. Quantities above MaxQuantity clamp
// to it and negative prices clamp to zero.
func (c Cart) normalized() Cart {
	out := Cart{
		Currency: strings.ToUpper(strings.TrimSpace(c.Currency)),
		Items:    make([]Item, 0, len(c.Items)),
	}
	seen := make(map[string]struct{}, len(c.Items))
	for _, item := range c.Items {
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" || item.Quantity < 1 {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		item.Quantity = min(item.Quantity, MaxQuantity)
		if item.UnitPrice < 0 {
			item.UnitPrice = 0
		}
		if item.Currency == "" {
			item.Currency = out.Currency
		}
		out.Items = append(out.Items, item)
	}
	return out
}
