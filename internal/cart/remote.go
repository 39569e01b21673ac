package cart

import (
	"context"
	"fmt"
	"strings"
)

// Session identifies the shopper the controller acts for. Token is forwarded
// to the remote service as a bearer credential.
type Session struct {
	UserID string
	Token  string
}

// Authenticated reports whether the session belongs to a signed-in user.
func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.UserID) != ""
}

// Remote is the cart service that holds the durable cart.
type Remote interface {
	FetchCart(ctx context.Context, sess Session) (Cart, error)
	UpdateItemQuantity(ctx context.Context, sess Session, itemID string, quantity int) error
	RemoveItem(ctx context.Context, sess Session, itemID string) error
	// ClearCart returns a *RemoteError when the service reports a reason.
	ClearCart(ctx context.Context, sess Session) error
}

// RemoteError is a structured failure reported by the remote cart service.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e == nil {
		return "cart: remote error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code == "" {
		return fmt.Sprintf("cart: remote status %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("cart: remote %s (status %d): %s", e.Code, e.Status, msg)
}

// Unwrap exposes the underlying transport error, if any.
func (e *RemoteError) Unwrap() error { return e.Err }

// Prompt describes a destructive action awaiting the shopper's consent.
type Prompt struct {
	Action  string
	Message string
}

// Confirmer asks the shopper to approve a destructive action.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, p Prompt) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, p Prompt) (bool, error) {
	return f(ctx, p)
}

// Confirmed is a Confirmer for callers that already collected consent, such
// as a submitted confirmation dialog.
var Confirmed Confirmer = ConfirmFunc(func(context.Context, Prompt) (bool, error) { return true, nil })
