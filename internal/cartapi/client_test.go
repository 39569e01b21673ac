package cartapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/cartapi"
	"finitefield.org/storefront/internal/cartstore"
	"finitefield.org/storefront/internal/platform/idempotency"
	"finitefield.org/storefront/internal/stubapi"
)

var testSession = cart.Session{UserID: "user-1", Token: "debug:user-1"}

func seedTwo(string) []cart.Item {
	return []cart.Item{
		{ID: "a1", Name: "Stamp", UnitPrice: 1000, Currency: "JPY", Quantity: 2},
		{ID: "b2", Name: "Ink", UnitPrice: 500, Currency: "JPY", Quantity: 1},
	}
}

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

func TestClientSendsCredentialsAndKeys(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		requests []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Header: r.Header.Clone(), Body: string(body)})
		mu.Unlock()
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"cart":{"id":"user-1","currency":"JPY","items":[{"id":"a1","unit_price":1000,"quantity":2}],"items_count":2}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client, err := cartapi.NewClient(srv.URL + "/v1/")
	require.NoError(t, err)
	ctx := context.Background()

	got, err := client.FetchCart(ctx, testSession)
	require.NoError(t, err)
	require.Equal(t, "JPY", got.Currency)
	require.Equal(t, int64(2000), got.Total())

	require.NoError(t, client.UpdateItemQuantity(ctx, testSession, "a/1", 3))
	require.NoError(t, client.RemoveItem(ctx, testSession, "b2"))
	require.NoError(t, client.ClearCart(ctx, testSession))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 4)

	require.Equal(t, "/v1/cart", requests[0].Path)
	require.Equal(t, "Bearer debug:user-1", requests[0].Header.Get("Authorization"))
	require.Empty(t, requests[0].Header.Get(cartapi.IdempotencyHeader))

	require.Equal(t, http.MethodPut, requests[1].Method)
	require.Equal(t, "/v1/cart/items/a%2F1", requests[1].Path)
	require.JSONEq(t, `{"quantity":3}`, requests[1].Body)
	require.Equal(t, "application/json", requests[1].Header.Get("Content-Type"))

	require.Equal(t, http.MethodDelete, requests[2].Method)
	require.Equal(t, "/v1/cart/items/b2", requests[2].Path)
	require.Equal(t, "/v1/cart/items", requests[3].Path)

	keys := map[string]struct{}{}
	for _, req := range requests[1:] {
		key := req.Header.Get(cartapi.IdempotencyHeader)
		require.NotEmpty(t, key)
		keys[key] = struct{}{}
	}
	require.Len(t, keys, 3, "each mutation carries its own key")
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":      "cart_locked",
			"message":    "checkout in progress",
			"status":     http.StatusConflict,
			"request_id": "req-9",
		})
	}))
	t.Cleanup(srv.Close)

	client, err := cartapi.NewClient(srv.URL)
	require.NoError(t, err)

	err = client.ClearCart(context.Background(), testSession)
	var remote *cart.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusConflict, remote.Status)
	require.Equal(t, "cart_locked", remote.Code)
	require.Equal(t, "checkout in progress", remote.Message)
}

func TestClientPlainTextFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client, err := cartapi.NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.FetchCart(context.Background(), testSession)
	var remote *cart.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusBadGateway, remote.Status)
	require.Empty(t, remote.Code)
	require.Contains(t, remote.Message, "upstream exploded")
}

func TestClientTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := cartapi.NewClient(url, cartapi.WithHTTPClient(&http.Client{Timeout: time.Second}))
	require.NoError(t, err)

	err = client.RemoveItem(context.Background(), testSession, "a1")
	var remote *cart.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Zero(t, remote.Status)
	require.Error(t, errors.Unwrap(remote))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := cartapi.NewClient("  ")
	require.Error(t, err)
}

func TestClientAgainstStub(t *testing.T) {
	t.Parallel()

	store := cartstore.NewMemoryStore("JPY", seedTwo)
	srv := httptest.NewServer(stubapi.New(stubapi.Options{Store: store, Idempotency: idempotency.NewMemoryStore()}))
	t.Cleanup(srv.Close)

	client, err := cartapi.NewClient(srv.URL)
	require.NoError(t, err)

	ctrl := cart.NewController(testSession, client)
	t.Cleanup(ctrl.Close)
	ctx := context.Background()

	require.NoError(t, ctrl.Initialize(ctx))
	snap := ctrl.Snapshot()
	require.Equal(t, cart.FetchDone, snap.Status)
	require.Equal(t, int64(2500), snap.Totals.Subtotal)

	require.NoError(t, ctrl.SetQuantity(ctx, "a1", 3))
	require.NoError(t, ctrl.Settle(ctx))
	remote, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	item, ok := remote.Find("a1")
	require.True(t, ok)
	require.Equal(t, 3, item.Quantity)

	require.NoError(t, ctrl.RemoveItem(ctx, "b2"))
	require.NoError(t, ctrl.Settle(ctx))
	require.Len(t, ctrl.Snapshot().Items, 1)

	require.NoError(t, ctrl.ClearCart(ctx, cart.Confirmed))
	require.NoError(t, ctrl.Settle(ctx))
	require.True(t, ctrl.Snapshot().Empty())
	require.Nil(t, ctrl.Snapshot().Notice)
}

func TestClientAgainstStubRevertsOnFailure(t *testing.T) {
	t.Parallel()

	store := cartstore.NewMemoryStore("JPY", seedTwo)
	handler := stubapi.New(stubapi.Options{Store: store})
	var failing sync.Mutex
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failing.Lock()
		reject := fail && r.Method != http.MethodGet
		failing.Unlock()
		if reject {
			http.Error(w, `{"error":"injected_failure","message":"down","status":503}`, http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := cartapi.NewClient(srv.URL)
	require.NoError(t, err)
	ctrl := cart.NewController(testSession, client)
	t.Cleanup(ctrl.Close)
	ctx := context.Background()
	require.NoError(t, ctrl.Initialize(ctx))

	failing.Lock()
	fail = true
	failing.Unlock()

	require.NoError(t, ctrl.SetQuantity(ctx, "a1", 7))
	require.Equal(t, 7, ctrl.Snapshot().Items[0].Quantity)
	require.NoError(t, ctrl.Settle(ctx))

	snap := ctrl.Snapshot()
	require.Equal(t, 2, snap.Items[0].Quantity)
	require.Equal(t, int64(2500), snap.Totals.Subtotal)
}

func TestStaticMapsStoreErrors(t *testing.T) {
	t.Parallel()

	static := cartapi.NewStatic(cartstore.NewMemoryStore("JPY", seedTwo))
	ctx := context.Background()

	got, err := static.FetchCart(ctx, testSession)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)

	var remote *cart.RemoteError
	err = static.UpdateItemQuantity(ctx, testSession, "zz", 2)
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "item_not_found", remote.Code)
	require.ErrorIs(t, err, cartstore.ErrItemNotFound)

	err = static.UpdateItemQuantity(ctx, testSession, "a1", 0)
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusBadRequest, remote.Status)

	_, err = static.FetchCart(ctx, cart.Session{})
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusUnauthorized, remote.Status)

	require.NoError(t, static.ClearCart(ctx, testSession))
	got, err = static.FetchCart(ctx, testSession)
	require.NoError(t, err)
	require.Empty(t, got.Items)
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	code, status, _ := cartapi.ErrorCode(cartstore.ErrItemNotFound)
	require.Equal(t, "item_not_found", code)
	require.Equal(t, http.StatusNotFound, status)

	code, status, _ = cartapi.ErrorCode(errors.New("redis: connection refused"))
	require.Equal(t, "store_unavailable", code)
	require.Equal(t, http.StatusInternalServerError, status)
}
