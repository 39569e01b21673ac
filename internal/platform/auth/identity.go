package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnavailable is returned when no verifier is configured.
	ErrUnavailable = errors.New("auth: authenticator unavailable")
)

const debugPrefix = "debug:"

// Identity is the shopper established at login.
type Identity struct {
	UID    string
	Email  string
	Name   string
	Locale string
	// Token is forwarded to the cart API as the bearer credential.
	Token string
}

// Authenticator turns a login token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (*Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// Debug accepts tokens of the form "debug:<uid>". It exists for local
// development against the stub cart API.
var Debug Authenticator = AuthenticatorFunc(func(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	uid, ok := strings.CutPrefix(token, debugPrefix)
	uid = strings.TrimSpace(uid)
	if !ok || uid == "" || strings.ContainsAny(uid, " /") {
		return nil, ErrInvalidToken
	}
	return &Identity{UID: uid, Name: uid, Token: token}, nil
})

// Chain routes debug tokens to the Debug authenticator when allowDebug is
// set and everything else to primary. A nil primary rejects non-debug
// tokens with ErrUnavailable.
func Chain(primary Authenticator, allowDebug bool) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, token string) (*Identity, error) {
		if strings.HasPrefix(strings.TrimSpace(token), debugPrefix) {
			if !allowDebug {
				return nil, ErrInvalidToken
			}
			return Debug.Authenticate(ctx, token)
		}
		if primary == nil {
			return nil, ErrUnavailable
		}
		return primary.Authenticate(ctx, token)
	})
}
