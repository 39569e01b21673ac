package cartapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/cartstore"
)

// Static implements cart.Remote in process over a cartstore.Store. It backs
// the storefront when no cart API is configured.
type Static struct {
	store cartstore.Store
}

// NewStatic wraps store. A nil store gets a memory store seeded with the
// demo catalogue.
func NewStatic(store cartstore.Store) *Static {
	if store == nil {
		store = cartstore.NewMemoryStore("JPY", cartstore.DemoItems)
	}
	return &Static{store: store}
}

// FetchCart implements cart.Remote.
func (s *Static) FetchCart(ctx context.Context, sess cart.Session) (cart.Cart, error) {
	if !sess.Authenticated() {
		return cart.Cart{}, errUnauthorized
	}
	c, err := s.store.Get(ctx, sess.UserID)
	return c, remoteError(err)
}

// UpdateItemQuantity implements cart.Remote.
func (s *Static) UpdateItemQuantity(ctx context.Context, sess cart.Session, itemID string, quantity int) error {
	if !sess.Authenticated() {
		return errUnauthorized
	}
	return remoteError(s.store.SetQuantity(ctx, sess.UserID, itemID, quantity))
}

// RemoveItem implements cart.Remote.
func (s *Static) RemoveItem(ctx context.Context, sess cart.Session, itemID string) error {
	if !sess.Authenticated() {
		return errUnauthorized
	}
	return remoteError(s.store.Remove(ctx, sess.UserID, itemID))
}

// ClearCart implements cart.Remote.
func (s *Static) ClearCart(ctx context.Context, sess cart.Session) error {
	if !sess.Authenticated() {
		return errUnauthorized
	}
	return remoteError(s.store.Clear(ctx, sess.UserID))
}

var errUnauthorized = &cart.RemoteError{Status: http.StatusUnauthorized, Code: "unauthenticated", Message: "sign-in required"}

// remoteError maps store errors to the codes the cart API would send.
func remoteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cartstore.ErrItemNotFound):
		return &cart.RemoteError{Status: http.StatusNotFound, Code: "item_not_found", Message: "item is no longer in the cart", Err: err}
	case errors.Is(err, cartstore.ErrInvalidQuantity):
		return &cart.RemoteError{Status: http.StatusBadRequest, Code: "invalid_quantity", Message: "quantity must be between 1 and " + strconv.Itoa(cart.MaxQuantity), Err: err}
	default:
		return &cart.RemoteError{Status: http.StatusInternalServerError, Code: "store_unavailable", Message: "cart storage unavailable", Err: err}
	}
}

// ErrorCode returns the API error code and status for a store error. The
// stub API shares it so both remotes fail identically.
func ErrorCode(err error) (code string, status int, message string) {
	var remote *cart.RemoteError
	if errors.As(remoteError(err), &remote) {
		return remote.Code, remote.Status, remote.Message
	}
	return "", http.StatusOK, ""
}
