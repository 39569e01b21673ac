// Package session keeps the shopper session in a signed cookie and maps each
// session to its cart controller.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

const (
	defaultCookieName  = "storefront_session"
	defaultCookiePath  = "/"
	defaultLifetime    = 7 * 24 * time.Hour
	defaultIdleTimeout = 24 * time.Hour
)

// ErrInvalidConfig indicates the manager was initialised with missing or invalid options.
var ErrInvalidConfig = errors.New("session: invalid config")

// User is the signed-in shopper stored in the session.
type User struct {
	UID   string `json:"uid"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	// Token is forwarded to the cart API as a bearer credential.
	Token string `json:"token,omitempty"`
}

// Data is the persisted session payload.
type Data struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	CSRFToken  string    `json:"csrfToken,omitempty"`
	Locale     string    `json:"locale,omitempty"`
	User       *User     `json:"user,omitempty"`
}

// Session holds mutable state for the current request.
type Session struct {
	data      Data
	dirty     bool
	destroyed bool
}

// Config controls cookie encoding and lifetime.
type Config struct {
	CookieName   string
	HashKey      []byte
	BlockKey     []byte
	CookiePath   string
	CookieSecure bool
	IdleTimeout  time.Duration
	Lifetime     time.Duration
	Now          func() time.Time
}

// Manager decodes and persists sessions via signed (and optionally encrypted) cookies.
type Manager struct {
	cfg   Config
	codec *securecookie.SecureCookie
	now   func() time.Time
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.HashKey) == 0 {
		return nil, fmt.Errorf("%w: hash key is required", ErrInvalidConfig)
	}
	switch len(cfg.BlockKey) {
	case 0, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: block key must be 16, 24 or 32 bytes", ErrInvalidConfig)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = defaultCookiePath
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultLifetime
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var blockKey []byte
	if len(cfg.BlockKey) > 0 {
		blockKey = cfg.BlockKey
	}
	codec := securecookie.New(cfg.HashKey, blockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(cfg.Lifetime.Seconds()))

	return &Manager{cfg: cfg, codec: codec, now: now}, nil
}

// Load returns the session carried by r. Missing, tampered or expired
// cookies yield a fresh session.
func (m *Manager) Load(r *http.Request) *Session {
	now := m.now()
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return m.newSession(now)
	}
	var stored Data
	if err := m.codec.Decode(m.cfg.CookieName, cookie.Value, &stored); err != nil || stored.ID == "" {
		return m.newSession(now)
	}
	if m.expired(stored, now) {
		return m.newSession(now)
	}
	return &Session{data: stored}
}

// Save writes the session cookie. Destroyed sessions clear it.
func (m *Manager) Save(w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return errors.New("session: nil session")
	}
	if sess.destroyed {
		http.SetCookie(w, m.cookie("", -1, time.Unix(0, 0)))
		return nil
	}
	sess.Touch(m.now())
	encoded, err := m.codec.Encode(m.cfg.CookieName, sess.data)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	expiry := sess.data.ExpiresAt.UTC()
	maxAge := int(expiry.Sub(m.now()).Round(time.Second).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, m.cookie(encoded, maxAge, expiry))
	sess.dirty = false
	return nil
}

func (m *Manager) cookie(value string, maxAge int, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    value,
		Path:     m.cfg.CookiePath,
		MaxAge:   maxAge,
		Expires:  expires,
		Secure:   m.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *Manager) newSession(now time.Time) *Session {
	now = now.UTC()
	return &Session{
		data: Data{
			ID:         uuid.NewString(),
			CreatedAt:  now,
			LastActive: now,
			ExpiresAt:  now.Add(m.cfg.Lifetime),
		},
		dirty: true,
	}
}

func (m *Manager) expired(d Data, now time.Time) bool {
	now = now.UTC()
	if !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt) {
		return true
	}
	last := d.LastActive
	if last.IsZero() {
		last = d.CreatedAt
	}
	return !last.IsZero() && now.Sub(last) > m.cfg.IdleTimeout
}

// ID returns the stable session identifier.
func (s *Session) ID() string { return s.data.ID }

// User returns the signed-in shopper, or nil.
func (s *Session) User() *User {
	if s.data.User == nil {
		return nil
	}
	u := *s.data.User
	return &u
}

// SignIn stores the shopper and rotates the session ID and CSRF token.
func (s *Session) SignIn(user User) {
	s.data.ID = uuid.NewString()
	s.data.CSRFToken = ""
	s.data.User = &user
	s.dirty = true
}

// Locale returns the stored locale preference.
func (s *Session) Locale() string { return s.data.Locale }

// SetLocale stores the locale preference.
func (s *Session) SetLocale(locale string) {
	if s.data.Locale == locale {
		return
	}
	s.data.Locale = locale
	s.dirty = true
}

// EnsureCSRFToken returns the CSRF token, generating one on first use.
func (s *Session) EnsureCSRFToken() (string, error) {
	if s.data.CSRFToken != "" {
		return s.data.CSRFToken, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	s.data.CSRFToken = base64.RawURLEncoding.EncodeToString(buf)
	s.dirty = true
	return s.data.CSRFToken, nil
}

// CSRFToken returns the stored CSRF token.
func (s *Session) CSRFToken() string { return s.data.CSRFToken }

// Destroy marks the session for deletion at the end of the request.
func (s *Session) Destroy() {
	s.destroyed = true
	s.dirty = true
}

// Destroyed reports whether Destroy was called.
func (s *Session) Destroyed() bool { return s.destroyed }

// Touch updates the last active timestamp.
func (s *Session) Touch(now time.Time) {
	now = now.UTC()
	if now.After(s.data.LastActive) {
		s.data.LastActive = now
		s.dirty = true
	}
}

// Dirty reports whether the session changed during this request.
func (s *Session) Dirty() bool { return s.dirty }
