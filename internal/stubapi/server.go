// Package stubapi serves the cart REST API for local development and
// end-to-end tests.
package stubapi

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/cartapi"
	"finitefield.org/storefront/internal/cartstore"
	"finitefield.org/storefront/internal/platform/auth"
	"finitefield.org/storefront/internal/platform/httpx"
	"finitefield.org/storefront/internal/platform/idempotency"
	"finitefield.org/storefront/internal/platform/observability"
	"finitefield.org/storefront/internal/platform/requestctx"
)

type identityKey struct{}

// Options configures the stub server.
type Options struct {
	Store         cartstore.Store
	Authenticator auth.Authenticator
	Idempotency   idempotency.Store
	Logger        *zap.Logger
	// FailRate is the probability in [0,1] that a mutation is rejected with
	// 503 injected_failure.
	FailRate float64
	// Latency delays every cart request.
	Latency time.Duration
	Now     func() time.Time
	// Rand overrides the failure-injection source.
	Rand *rand.Rand
}

type server struct {
	store    cartstore.Store
	authn    auth.Authenticator
	logger   *zap.Logger
	failRate float64
	latency  time.Duration
	now      func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand

	updatedMu sync.Mutex
	updated   map[string]time.Time
}

// New returns the stub API handler.
func New(opts Options) http.Handler {
	if opts.Store == nil {
		opts.Store = cartstore.NewMemoryStore("JPY", cartstore.DemoItems)
	}
	if opts.Authenticator == nil {
		opts.Authenticator = auth.Chain(nil, true)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(uint64(opts.Now().UnixNano()), 0x5eed))
	}
	s := &server{
		store:    opts.Store,
		authn:    opts.Authenticator,
		logger:   opts.Logger.Named("cartstub"),
		failRate: opts.FailRate,
		latency:  opts.Latency,
		now:      opts.Now,
		rand:     opts.Rand,
		updated:  make(map[string]time.Time),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observability.InjectLoggerMiddleware(s.logger))
	r.Use(observability.TraceMiddleware("cartstub"))
	r.Use(observability.RequestLoggerMiddleware(nil))
	r.Use(observability.RecoveryMiddleware(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/cart", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(idempotency.Middleware(opts.Idempotency,
			idempotency.WithLogger(s.logger),
			idempotency.WithRequester(func(r *http.Request) string { return identityFrom(r.Context()).UID }),
		))
		r.Use(s.delay)
		r.Get("/", s.getCart)
		r.Route("/items", func(r chi.Router) {
			r.Post("/", s.chaos(s.addItem))
			r.Delete("/", s.chaos(s.clearCart))
			r.Put("/{itemID}", s.chaos(s.setQuantity))
			r.Delete("/{itemID}", s.chaos(s.removeItem))
		})
	})
	return r
}

func identityFrom(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey{}).(*auth.Identity)
	if identity == nil {
		return &auth.Identity{}
	}
	return identity
}

func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "bearer token required", http.StatusUnauthorized))
			return
		}
		identity, err := s.authn.Authenticate(ctx, token)
		if err != nil {
			requestctx.Logger(ctx).Debug("token rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "invalid bearer token", http.StatusUnauthorized))
			return
		}
		ctx = context.WithValue(ctx, identityKey{}, identity)
		ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("user_id", identity.UID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.latency > 0 {
			timer := time.NewTimer(s.latency)
			select {
			case <-timer.C:
			case <-r.Context().Done():
				timer.Stop()
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// chaos rejects a share of mutations so clients can exercise their
// failure paths.
func (s *server) chaos(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.failRate > 0 {
			s.randMu.Lock()
			roll := s.rand.Float64()
			s.randMu.Unlock()
			if roll < s.failRate {
				requestctx.Logger(r.Context()).Info("injected failure")
				httpx.WriteError(r.Context(), w, httpx.NewError("injected_failure", "the cart service is temporarily unavailable", http.StatusServiceUnavailable))
				return
			}
		}
		next(w, r)
	}
}

func (s *server) touch(userID string) {
	s.updatedMu.Lock()
	s.updated[userID] = s.now().UTC()
	s.updatedMu.Unlock()
}

func (s *server) updatedAt(userID string) time.Time {
	s.updatedMu.Lock()
	defer s.updatedMu.Unlock()
	if t, ok := s.updated[userID]; ok {
		return t
	}
	return s.now().UTC()
}

func (s *server) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identityFrom(ctx).UID
	c, err := s.store.Get(ctx, userID)
	if err != nil {
		s.writeStoreError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, cartapi.CartEnvelope{Cart: cartapi.NewCartPayload(userID, c, s.updatedAt(userID))})
}

func (s *server) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body cartapi.QuantityRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "body must be {\"quantity\": n}", http.StatusBadRequest))
		return
	}
	userID := identityFrom(ctx).UID
	if err := s.store.SetQuantity(ctx, userID, chi.URLParam(r, "itemID"), body.Quantity); err != nil {
		s.writeStoreError(ctx, w, err)
		return
	}
	s.touch(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identityFrom(ctx).UID
	if err := s.store.Remove(ctx, userID, chi.URLParam(r, "itemID")); err != nil {
		s.writeStoreError(ctx, w, err)
		return
	}
	s.touch(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identityFrom(ctx).UID
	if err := s.store.Clear(ctx, userID); err != nil {
		s.writeStoreError(ctx, w, err)
		return
	}
	s.touch(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var item cart.Item
	if err := httpx.DecodeJSON(r, &item); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "body must be a cart item", http.StatusBadRequest))
		return
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	userID := identityFrom(ctx).UID
	added, err := s.store.Add(ctx, userID, item)
	if err != nil {
		s.writeStoreError(ctx, w, err)
		return
	}
	s.touch(userID)
	httpx.WriteJSON(w, http.StatusCreated, map[string]cart.Item{"item": added})
}

func (s *server) writeStoreError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	code, status, message := cartapi.ErrorCode(err)
	if status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("cart store failure", zap.Error(err))
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
