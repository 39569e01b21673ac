package auth

import (
	"context"
	"errors"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	token *firebaseauth.Token
	err   error
	seen  string
}

func (s *stubVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.seen = idToken
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected bounded context")
	}
	return s.token, s.err
}

func TestFirebaseAuthenticatorMapsClaims(t *testing.T) {
	t.Parallel()

	verifier := &stubVerifier{token: &firebaseauth.Token{
		UID:    "uid-1",
		Claims: map[string]any{"email": "shopper@example.com", "name": "Shopper", "locale": "en"},
	}}
	a := newFirebaseAuthenticator(verifier)

	identity, err := a.Authenticate(context.Background(), " id-token ")
	require.NoError(t, err)
	require.Equal(t, "id-token", verifier.seen)
	require.Equal(t, "uid-1", identity.UID)
	require.Equal(t, "shopper@example.com", identity.Email)
	require.Equal(t, "Shopper", identity.Name)
	require.Equal(t, "en", identity.Locale)
	require.Equal(t, "id-token", identity.Token)
}

func TestFirebaseAuthenticatorRejects(t *testing.T) {
	t.Parallel()

	a := newFirebaseAuthenticator(&stubVerifier{err: errors.New("expired")})
	_, err := a.Authenticate(context.Background(), "id-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Authenticate(context.Background(), "  ")
	require.ErrorIs(t, err, ErrInvalidToken)

	var nilAuth *FirebaseAuthenticator
	_, err = nilAuth.Authenticate(context.Background(), "id-token")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	withDebug := Chain(nil, true)
	identity, err := withDebug.Authenticate(ctx, "debug:user-7")
	require.NoError(t, err)
	require.Equal(t, "user-7", identity.UID)

	_, err = withDebug.Authenticate(ctx, "debug:")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = withDebug.Authenticate(ctx, "real-token")
	require.ErrorIs(t, err, ErrUnavailable)

	strict := Chain(AuthenticatorFunc(func(context.Context, string) (*Identity, error) {
		return &Identity{UID: "fb"}, nil
	}), false)
	_, err = strict.Authenticate(ctx, "debug:user-7")
	require.ErrorIs(t, err, ErrInvalidToken)
	identity, err = strict.Authenticate(ctx, "real-token")
	require.NoError(t, err)
	require.Equal(t, "fb", identity.UID)
}
