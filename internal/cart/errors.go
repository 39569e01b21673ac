package cart

import "errors"

var (
	// ErrUnauthenticated is returned for mutations on a signed-out session.
	ErrUnauthenticated = errors.New("cart: sign in required")
	// ErrItemNotFound is returned when the item is not in the displayed cart.
	ErrItemNotFound = errors.New("cart: item not found")
	// ErrInvalidQuantity is returned for quantities above MaxQuantity.
	ErrInvalidQuantity = errors.New("cart: quantity out of range")
	// ErrItemPending is returned while a quantity write for the same item is in flight.
	ErrItemPending = errors.New("cart: item update in progress")
	// ErrNotConfirmed is returned when a destructive action was not approved.
	ErrNotConfirmed = errors.New("cart: action not confirmed")
	// ErrClosed is returned after the controller has been closed.
	ErrClosed = errors.New("cart: controller closed")
)
