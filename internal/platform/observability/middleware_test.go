package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/storefront/internal/platform/requestctx"
)

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware(func(*http.Request) string { return "user-1" }))
	router.Get("/cart/items/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		requestctx.Logger(r.Context()).Info("handler")
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cart/items/a1", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	handler := logs.FilterMessage("handler").All()
	require.Len(t, handler, 1)
	require.Equal(t, "user-1", handler[0].ContextMap()["user_id"])

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	fields := completed[0].ContextMap()
	require.Equal(t, "/cart/items/{itemID}", fields["route"])
	require.EqualValues(t, http.StatusTeapot, fields["status"])
	require.Equal(t, zap.WarnLevel, completed[0].Level)
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"error":"internal_server_error"`)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestTraceMiddlewareContinuesTraceparent(t *testing.T) {
	t.Parallel()

	var traceID string
	handler := TraceMiddleware("storefront")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = requestctx.TraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// The global no-op tracer keeps the remote span context.
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("nonsense")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.DebugLevel))
	require.True(t, logger.Core().Enabled(zap.InfoLevel))

	logger, err = NewLogger("debug")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zap.DebugLevel))
}
