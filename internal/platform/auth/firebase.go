package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"finitefield.org/storefront/internal/platform/config"
)

const defaultVerifyTimeout = 5 * time.Second

type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseAuthenticator verifies Firebase ID tokens posted at login.
type FirebaseAuthenticator struct {
	verifier tokenVerifier
	timeout  time.Duration
}

// FirebaseOption customises FirebaseAuthenticator instances.
type FirebaseOption func(*FirebaseAuthenticator)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(a *FirebaseAuthenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewFirebaseAuthenticator initialises the Admin SDK for cfg.ProjectID.
func NewFirebaseAuthenticator(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseAuthenticator, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase auth client: %w", err)
	}
	return newFirebaseAuthenticator(client, opts...), nil
}

func newFirebaseAuthenticator(verifier tokenVerifier, opts ...FirebaseOption) *FirebaseAuthenticator {
	a := &FirebaseAuthenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate implements Authenticator.
func (a *FirebaseAuthenticator) Authenticate(ctx context.Context, idToken string) (*Identity, error) {
	if a == nil || a.verifier == nil {
		return nil, ErrUnavailable
	}
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, ErrInvalidToken
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	token, err := a.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	identity := &Identity{UID: token.UID, Token: idToken}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = email
	}
	if name, ok := token.Claims["name"].(string); ok {
		identity.Name = name
	}
	if locale, ok := token.Claims["locale"].(string); ok {
		identity.Locale = locale
	}
	return identity, nil
}
