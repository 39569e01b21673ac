package cart

const (
	DefaultFreeShippingThreshold int64 = 5000
	DefaultFlatShippingFee       int64 = 500
)

// ShippingPolicy decides the shipping fee from the subtotal.
type ShippingPolicy struct {
	// FreeThreshold is the subtotal at or above which shipping is free.
	FreeThreshold int64
	FlatFee       int64
}

// DefaultShippingPolicy returns the storefront's standard policy.
func DefaultShippingPolicy() ShippingPolicy {
	return ShippingPolicy{
		FreeThreshold: DefaultFreeShippingThreshold,
		FlatFee:       DefaultFlatShippingFee,
	}
}

// Totals are the derived values shown next to the cart.
type Totals struct {
	ItemCount  int   `json:"item_count"`
	Subtotal   int64 `json:"subtotal"`
	Shipping   int64 `json:"shipping"`
	GrandTotal int64 `json:"grand_total"`
}

// Totals derives the summary for c. An empty cart ships for free.
func (p ShippingPolicy) Totals(c Cart) Totals {
	subtotal := c.Total()
	t := Totals{
		ItemCount: c.ItemCount(),
		Subtotal:  subtotal,
	}
	if t.ItemCount > 0 && subtotal < p.FreeThreshold {
		t.Shipping = p.FlatFee
	}
	t.GrandTotal = t.Subtotal + t.Shipping
	return t
}

// RemainingForFreeShipping reports how much more the customer needs to
// spend before shipping becomes free. Zero when already free.
func (p ShippingPolicy) RemainingForFreeShipping(c Cart) int64 {
	remaining := p.FreeThreshold - c.Total()
	if remaining < 0 {
		return 0
	}
	return remaining
}
