// Package storefront serves the shopper-facing cart pages.
package storefront

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/i18n"
	"finitefield.org/storefront/internal/platform/auth"
	"finitefield.org/storefront/internal/platform/observability"
	"finitefield.org/storefront/internal/platform/requestctx"
	"finitefield.org/storefront/internal/session"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const defaultInitialWait = 300 * time.Millisecond

// Config wires the storefront handler.
type Config struct {
	Sessions      *session.Manager
	Registry      *session.Registry
	Authenticator auth.Authenticator
	Messages      *i18n.Bundle
	Logger        *zap.Logger
	// Currency labels totals before the first fetch completes.
	Currency string
	// InitialWait bounds how long the first page render waits for the
	// initial cart fetch before showing the loading state.
	InitialWait time.Duration
}

type server struct {
	sessions    *session.Manager
	registry    *session.Registry
	authn       auth.Authenticator
	messages    *i18n.Bundle
	logger      *zap.Logger
	currency    string
	initialWait time.Duration
	templates   *template.Template
}

// New builds the storefront router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sessions == nil || cfg.Registry == nil {
		return nil, errors.New("storefront: sessions and registry are required")
	}
	if cfg.Messages == nil {
		return nil, errors.New("storefront: message bundle is required")
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.Chain(nil, false)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Currency == "" {
		cfg.Currency = "JPY"
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = defaultInitialWait
	}

	s := &server{
		sessions:    cfg.Sessions,
		registry:    cfg.Registry,
		authn:       cfg.Authenticator,
		messages:    cfg.Messages,
		logger:      cfg.Logger,
		currency:    cfg.Currency,
		initialWait: cfg.InitialWait,
	}
	tmpl, err := template.New("storefront").Funcs(s.funcs()).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}
	s.templates = tmpl

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.InjectLoggerMiddleware(cfg.Logger))
	r.Use(observability.TraceMiddleware("storefront"))
	r.Use(observability.RequestLoggerMiddleware(func(r *http.Request) string {
		if user := cfg.Sessions.Load(r).User(); user != nil {
			return user.UID
		}
		return ""
	}))
	r.Use(observability.RecoveryMiddleware(cfg.Logger))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(htmxMiddleware)
		r.Use(sessionMiddleware(cfg.Sessions))
		r.Use(csrfMiddleware)
		r.Use(localeMiddleware(cfg.Messages))
		r.Use(noStore)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/cart", http.StatusSeeOther)
		})
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", s.showCart)
			r.Get("/table", s.cartTable)
			r.Get("/summary", s.cartSummary)
			r.Post("/items/{itemID}/quantity", s.setQuantity)
			r.Post("/items/{itemID}/remove", s.removeItem)
			r.Get("/clear", s.confirmClear)
			r.Post("/clear", s.clearCart)
			r.Post("/refresh", s.refreshCart)
			r.Post("/notice/dismiss", s.dismissNotice)
		})
		r.Post("/session/login", s.login)
		r.Post("/session/logout", s.logout)
	})
	return r, nil
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *server) funcs() template.FuncMap {
	return template.FuncMap{
		"t": func(lang, key string, args ...string) string {
			return s.messages.T(lang, key, args...)
		},
	}
}

// render executes name into a buffer so template failures never leave a
// half-written page.
func (s *server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		requestctx.Logger(r.Context()).Error("template render failed", zap.String("template", name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
