package storefront

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"finitefield.org/storefront/internal/i18n"
	"finitefield.org/storefront/internal/platform/requestctx"
	"finitefield.org/storefront/internal/session"
)

type contextKey string

const (
	sessionContextKey contextKey = "storefront.session"
	htmxContextKey    contextKey = "storefront.htmx"

	csrfHeaderName = "X-CSRF-Token"
	csrfFormField  = "csrf_token"
)

func sessionFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionContextKey).(*session.Session)
	return sess
}

func isHTMX(ctx context.Context) bool {
	v, _ := ctx.Value(htmxContextKey).(bool)
	return v
}

// htmxMiddleware marks htmx requests and varies caches on HX-Request.
func htmxMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is := strings.EqualFold(r.Header.Get("HX-Request"), "true")
		w.Header().Add("Vary", "HX-Request")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), htmxContextKey, is)))
	})
}

// sessionMiddleware loads the session cookie and writes it back just before
// the response header is sent.
func sessionMiddleware(manager *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := manager.Load(r)
			sw := &sessionWriter{ResponseWriter: w, save: func(w http.ResponseWriter) {
				if err := manager.Save(w, sess); err != nil {
					requestctx.Logger(r.Context()).Error("session save failed", zap.Error(err))
				}
			}}
			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(sw, r.WithContext(ctx))
			sw.flush()
		})
	}
}

type sessionWriter struct {
	http.ResponseWriter
	save  func(http.ResponseWriter)
	saved bool
}

func (w *sessionWriter) flush() {
	if !w.saved {
		w.saved = true
		w.save(w.ResponseWriter)
	}
}

func (w *sessionWriter) WriteHeader(status int) {
	w.flush()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.flush()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// csrfMiddleware checks the session token on unsafe methods. htmx sends it
// as a header; plain forms post it as a field.
func csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		token, err := sess.EnsureCSRFToken()
		if err != nil {
			http.Error(w, "csrf token error", http.StatusInternalServerError)
			return
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		default:
			submitted := r.Header.Get(csrfHeaderName)
			if submitted == "" {
				submitted = r.PostFormValue(csrfFormField)
			}
			if submitted == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(token)) != 1 {
				requestctx.Logger(r.Context()).Warn("csrf token mismatch")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// localeMiddleware resolves the display locale from ?lang=, the session and
// Accept-Language, in that order. An explicit choice is remembered.
func localeMiddleware(bundle *i18n.Bundle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := sessionFrom(r.Context())
			locale := ""
			if lang := strings.TrimSpace(r.URL.Query().Get("lang")); lang != "" && bundle.Supports(lang) {
				locale = lang
				sess.SetLocale(lang)
			}
			if locale == "" && bundle.Supports(sess.Locale()) {
				locale = sess.Locale()
			}
			if locale == "" {
				locale = bundle.Resolve(r.Header.Get("Accept-Language"))
			}
			w.Header().Add("Vary", "Accept-Language")
			next.ServeHTTP(w, r.WithContext(requestctx.WithLocale(r.Context(), locale)))
		})
	}
}
