package cart

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShippingPolicy_Totals(t *testing.T) {
	t.Parallel()

	policy := DefaultShippingPolicy()
	cases := []struct {
		name     string
		cart     Cart
		subtotal int64
		shipping int64
		count    int
	}{
		{name: "empty ships free", cart: Cart{}, subtotal: 0, shipping: 0, count: 0},
		{
			name:     "below threshold pays flat fee",
			cart:     Cart{Items: []Item{{ID: "a1", UnitPrice: 1000, Quantity: 2}}},
			subtotal: 2000, shipping: DefaultFlatShippingFee, count: 2,
		},
		{
			name:     "threshold is free",
			cart:     Cart{Items: []Item{{ID: "a1", UnitPrice: 2500, Quantity: 2}}},
			subtotal: 5000, shipping: 0, count: 2,
		},
		{
			name: "mixed lines",
			cart: Cart{Items: []Item{
				{ID: "a1", UnitPrice: 1200, Quantity: 3},
				{ID: "b2", UnitPrice: 300, Quantity: 1},
			}},
			subtotal: 3900, shipping: DefaultFlatShippingFee, count: 4,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := policy.Totals(tc.cart)
			require.Equal(t, tc.subtotal, got.Subtotal)
			require.Equal(t, tc.shipping, got.Shipping)
			require.Equal(t, tc.count, got.ItemCount)
			require.Equal(t, tc.subtotal+tc.shipping, got.GrandTotal)
		})
	}
}

func TestShippingPolicy_RemainingForFreeShipping(t *testing.T) {
	t.Parallel()

	policy := ShippingPolicy{FreeThreshold: 3000, FlatFee: 400}
	require.Equal(t, int64(3000), policy.RemainingForFreeShipping(Cart{}))
	require.Equal(t, int64(1000), policy.RemainingForFreeShipping(Cart{Items: []Item{{ID: "a", UnitPrice: 1000, Quantity: 2}}}))
	require.Zero(t, policy.RemainingForFreeShipping(Cart{Items: []Item{{ID: "a", UnitPrice: 4000, Quantity: 1}}}))
}

func TestCart_MutationsDoNotAlias(t *testing.T) {
	t.Parallel()

	base := Cart{Currency: "JPY", Items: []Item{{ID: "a1", UnitPrice: 100, Quantity: 1}, {ID: "b2", UnitPrice: 50, Quantity: 4}}}

	bumped, ok := base.withQuantity("a1", 5)
	require.True(t, ok)
	require.Equal(t, 1, base.Items[0].Quantity)
	require.Equal(t, 5, bumped.Items[0].Quantity)

	_, ok = base.withQuantity("zz", 2)
	require.False(t, ok)

	trimmed, ok := base.without("a1")
	require.True(t, ok)
	require.Len(t, trimmed.Items, 1)
	require.Len(t, base.Items, 2)

	clone := base.Clone()
	clone.Items[1].Quantity = 99
	require.Equal(t, 4, base.Items[1].Quantity)

	item, ok := base.Find("b2")
	require.True(t, ok)
	require.Equal(t, int64(200), item.LineTotal())
	require.Equal(t, int64(300), base.Total())
	require.Equal(t, 5, base.ItemCount())
}
