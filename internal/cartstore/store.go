// Package cartstore keeps per-user carts for the in-process static cart and
// the development cart API.
package cartstore

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"finitefield.org/storefront/internal/cart"
)

var (
	// ErrItemNotFound is returned when the user's cart has no such item.
	ErrItemNotFound = errors.New("cartstore: item not found")
	// ErrInvalidQuantity is returned for quantities outside 1..cart.MaxQuantity,
	// including additions that would push a line past the limit.
	ErrInvalidQuantity = errors.New("cartstore: quantity out of range")
)

// Store is the durable side of a cart.
type Store interface {
	Get(ctx context.Context, userID string) (cart.Cart, error)
	SetQuantity(ctx context.Context, userID, itemID string, quantity int) error
	Remove(ctx context.Context, userID, itemID string) error
	Clear(ctx context.Context, userID string) error
	Add(ctx context.Context, userID string, item cart.Item) (cart.Item, error)
}

// SeedFunc returns the items a user's cart starts with the first time it is
// read.
type SeedFunc func(userID string) []cart.Item

// NewItemID returns a time-ordered item identifier.
func NewItemID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// DemoItems is the catalogue used to seed carts in local runs.
func DemoItems(string) []cart.Item {
	return []cart.Item{
		{
			ID:          "hinoki-15",
			ProductID:   "stamp-hinoki",
			Name:        "Hinoki seal 15mm",
			ImageURL:    "/static/img/hinoki.png",
			Description: "Hand-finished **hinoki** cypress with a *tensho* script engraving.",
			UnitPrice:   3200,
			Currency:    "JPY",
			Quantity:    1,
		},
		{
			ID:          "inkpad-red",
			ProductID:   "ink-vermilion",
			Name:        "Vermilion ink pad",
			ImageURL:    "/static/img/inkpad.png",
			Description: "Quick-drying cinnabar paste. Refill every `300` impressions.",
			UnitPrice:   800,
			Currency:    "JPY",
			Quantity:    2,
		},
	}
}
