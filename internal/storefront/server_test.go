package storefront_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/cartapi"
	"finitefield.org/storefront/internal/cartstore"
	"finitefield.org/storefront/internal/i18n"
	"finitefield.org/storefront/internal/platform/auth"
	"finitefield.org/storefront/internal/session"
	"finitefield.org/storefront/internal/storefront"
)

// flakyRemote fails quantity writes while failUpdates is set.
type flakyRemote struct {
	cart.Remote
	failUpdates atomic.Bool
}

func (f *flakyRemote) UpdateItemQuantity(ctx context.Context, sess cart.Session, itemID string, quantity int) error {
	if f.failUpdates.Load() {
		return &cart.RemoteError{Status: http.StatusServiceUnavailable, Code: "injected_failure", Message: "down"}
	}
	return f.Remote.UpdateItemQuantity(ctx, sess, itemID, quantity)
}

type harness struct {
	t        *testing.T
	server   *httptest.Server
	client   *http.Client
	registry *session.Registry
	remote   *flakyRemote
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	remote := &flakyRemote{Remote: cartapi.NewStatic(cartstore.NewMemoryStore("JPY", cartstore.DemoItems))}
	registry := session.NewRegistry(func(sess cart.Session) *cart.Controller {
		return cart.NewController(sess, remote)
	})
	manager, err := session.NewManager(session.Config{
		CookieName: "sf_test",
		HashKey:    []byte("12345678901234567890123456789012"),
		BlockKey:   []byte("abcdefghijklmnopqrstuv0123456789"),
	})
	require.NoError(t, err)
	bundle, err := i18n.Default("ja")
	require.NoError(t, err)

	handler, err := storefront.New(storefront.Config{
		Sessions:      manager,
		Registry:      registry,
		Authenticator: auth.Chain(nil, true),
		Messages:      bundle,
		InitialWait:   2 * time.Second,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	t.Cleanup(func() {
		client.CloseIdleConnections()
		srv.Close()
		registry.Close()
	})
	return &harness{t: t, server: srv, client: client, registry: registry, remote: remote}
}

func (h *harness) get(path string, header http.Header) (*http.Response, []byte) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	require.NoError(h.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	return h.do(req)
}

func (h *harness) post(path string, form url.Values, header http.Header) (*http.Response, []byte) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	return h.do(req)
}

func (h *harness) do(req *http.Request) (*http.Response, []byte) {
	h.t.Helper()
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, body
}

func parseHTML(t *testing.T, body []byte) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	require.NoError(t, err)
	return doc
}

// csrf loads the cart page and returns the token embedded in its forms.
func (h *harness) csrf() string {
	h.t.Helper()
	resp, body := h.get("/cart", nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	token, ok := parseHTML(h.t, body).Find(`input[name="csrf_token"]`).First().Attr("value")
	require.True(h.t, ok, "csrf token input missing")
	require.NotEmpty(h.t, token)
	return token
}

func (h *harness) login(uid string) string {
	h.t.Helper()
	resp, _ := h.post("/session/login", url.Values{"csrf_token": {h.csrf()}, "id_token": {"debug:" + uid}}, nil)
	require.Equal(h.t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(h.t, "/cart", resp.Header.Get("Location"))
	return h.csrf()
}

func htmx(token string) http.Header {
	return http.Header{"Hx-Request": {"true"}, "X-Csrf-Token": {token}}
}

func (h *harness) summary() map[string]any {
	h.t.Helper()
	resp, body := h.get("/cart/summary", nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(h.t, json.Unmarshal(body, &out))
	return out
}

func (h *harness) settled() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		s := h.summary()
		pending, _ := s["pending"].([]any)
		return len(pending) == 0 && s["syncing"] == false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCartPromptsSignIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, body := h.get("/cart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := parseHTML(t, body)

	require.Equal(t, "ショッピングカート", doc.Find("h1").First().Text())
	require.Equal(t, 1, doc.Find(".signin form").Length())
	require.Zero(t, doc.Find(".cart-item").Length())
	require.Equal(t, "not_started", doc.Find("#cart-body").AttrOr("data-status", ""))
	require.Zero(t, h.registry.Len())

	summary := h.summary()
	require.Equal(t, false, summary["authenticated"])
	require.Equal(t, "not_started", summary["status"])
}

func TestLoginRendersCart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login("user-1")

	resp, body := h.get("/cart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := parseHTML(t, body)

	require.Equal(t, "done", doc.Find("#cart-body").AttrOr("data-status", ""))
	rows := doc.Find(".cart-item")
	require.Equal(t, 2, rows.Length())
	require.Equal(t, "hinoki-15", rows.First().AttrOr("data-item-id", ""))
	require.Contains(t, rows.First().Find(".description").Text(), "hinoki")
	require.Equal(t, 1, rows.First().Find(".description strong").Length())
	require.Equal(t, "¥4,800", strings.TrimSpace(doc.Find("#summary .subtotal").Text()))
	require.Equal(t, "¥500", strings.TrimSpace(doc.Find("#summary .shipping").Text()))
	require.Equal(t, "¥5,300", strings.TrimSpace(doc.Find("#summary .total").Text()))
	require.Contains(t, doc.Find(".free-shipping-gap").Text(), "¥200")
	require.Equal(t, 1, h.registry.Len())
	require.Equal(t, true, h.summary()["authenticated"])
}

func TestLoginRejectsBadToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, body := h.post("/session/login", url.Values{"csrf_token": {h.csrf()}, "id_token": {"not-a-token"}}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, parseHTML(t, body).Find(".flash").Text())
}

func TestMutationsRequireCSRF(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login("user-1")

	resp, _ := h.post("/cart/items/hinoki-15/quantity", url.Values{"quantity": {"3"}}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.post("/cart/items/hinoki-15/quantity", url.Values{"quantity": {"3"}}, htmx("wrong"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestQuantityUpdateOverHTMX(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")

	resp, body := h.post("/cart/items/hinoki-15/quantity", url.Values{"quantity": {"2"}}, htmx(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := parseHTML(t, body)
	require.Equal(t, 1, doc.Find("section#cart-body").Length())
	require.Zero(t, doc.Find("html head title").Length(), "htmx responses are fragments")
	require.Equal(t, "2", doc.Find(`.cart-item[data-item-id="hinoki-15"] input[name="quantity"]`).AttrOr("value", ""))

	h.settled()
	summary := h.summary()
	require.EqualValues(t, 4, summary["item_count"])
	totals := summary["totals"].(map[string]any)
	require.EqualValues(t, 8000, totals["subtotal"])
	require.EqualValues(t, 0, totals["shipping"])
}

func TestQuantityUpdateWithPlainForm(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")

	resp, _ := h.post("/cart/items/inkpad-red/quantity", url.Values{"quantity": {"5"}, "csrf_token": {token}}, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/cart", resp.Header.Get("Location"))
}

func TestCartActionErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")

	cases := []struct {
		name   string
		path   string
		form   url.Values
		status int
	}{
		{name: "unknown item", path: "/cart/items/nope/quantity", form: url.Values{"quantity": {"2"}}, status: http.StatusNotFound},
		{name: "not a number", path: "/cart/items/hinoki-15/quantity", form: url.Values{"quantity": {"many"}}, status: http.StatusBadRequest},
		{name: "above limit", path: "/cart/items/hinoki-15/quantity", form: url.Values{"quantity": {"100"}}, status: http.StatusBadRequest},
		{name: "overflowing", path: "/cart/items/hinoki-15/quantity", form: url.Values{"quantity": {"92233720368547758"}}, status: http.StatusBadRequest},
		{name: "remove unknown", path: "/cart/items/nope/remove", form: url.Values{}, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, body := h.post(tc.path, tc.form, htmx(token))
		require.Equal(t, tc.status, resp.StatusCode, tc.name)
		require.NotEmpty(t, parseHTML(t, body).Find(".flash").Text(), tc.name)
	}

	h.settled()
	totals := h.summary()["totals"].(map[string]any)
	require.EqualValues(t, 4800, totals["subtotal"])
}

func TestMutationsRequireSignIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.csrf()

	resp, body := h.post("/cart/items/hinoki-15/quantity", url.Values{"quantity": {"2"}}, htmx(token))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "ログインが必要です。", strings.TrimSpace(parseHTML(t, body).Find(".flash").Text()))
}

func TestFailedUpdateRevertsToRemote(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")
	h.remote.failUpdates.Store(true)

	resp, body := h.post("/cart/items/hinoki-15/quantity", url.Values{"quantity": {"4"}}, htmx(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "4", parseHTML(t, body).Find(`.cart-item[data-item-id="hinoki-15"] input[name="quantity"]`).AttrOr("value", ""))

	require.Eventually(t, func() bool {
		totals := h.summary()["totals"].(map[string]any)
		return totals["subtotal"] == float64(4800)
	}, 2*time.Second, 10*time.Millisecond)
	h.settled()
}

func TestClearCartNeedsConfirmation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")

	resp, body := h.post("/cart/clear", url.Values{"csrf_token": {token}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := parseHTML(t, body)
	require.Equal(t, 1, doc.Find("dialog#clear-dialog").Length())
	require.Equal(t, 2, doc.Find(".cart-item").Length())

	resp, body = h.get("/cart/clear", http.Header{"Hx-Request": {"true"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "yes", parseHTML(t, body).Find(`#clear-dialog input[name="confirm"]`).AttrOr("value", ""))

	resp, _ = h.post("/cart/clear", url.Values{"csrf_token": {token}, "confirm": {"yes"}}, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	h.settled()
	_, body = h.get("/cart", nil)
	doc = parseHTML(t, body)
	require.Equal(t, 1, doc.Find(".empty").Length())
	require.Zero(t, doc.Find(".cart-item").Length())
}

func TestSummaryConditionalGet(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login("user-1")

	resp, _ := h.get("/cart/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.True(t, strings.HasPrefix(etag, `W/"`), etag)

	resp, body := h.get("/cart/summary", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Empty(t, body)
}

func TestSummaryETagIsPerCart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")

	resp, _ := h.get("/cart/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stale := resp.Header.Get("ETag")

	resp, _ = h.post("/session/logout", url.Values{"csrf_token": {token}}, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	h.login("user-2")

	resp, body := h.get("/cart/summary", http.Header{"If-None-Match": {stale}})
	require.Equal(t, http.StatusOK, resp.StatusCode, "a new shopper's cart must not match an earlier cart's tag")
	require.NotEqual(t, stale, resp.Header.Get("ETag"))
	require.NotEmpty(t, body)
}

func TestRefreshAndDismiss(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")

	resp, body := h.post("/cart/refresh", url.Values{}, htmx(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, parseHTML(t, body).Find(".cart-item").Length())

	resp, _ = h.post("/cart/notice/dismiss", url.Values{"csrf_token": {token}}, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestLogoutDropsController(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	token := h.login("user-1")
	require.Equal(t, 1, h.registry.Len())

	resp, _ := h.post("/session/logout", url.Values{"csrf_token": {token}}, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Zero(t, h.registry.Len())

	_, body := h.get("/cart", nil)
	require.Equal(t, 1, parseHTML(t, body).Find(".signin").Length())
}

func TestLocaleSelection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, body := h.get("/cart", http.Header{"Accept-Language": {"en-US,en;q=0.9"}})
	require.Equal(t, "Shopping cart", parseHTML(t, body).Find("h1").First().Text())

	_, body = h.get("/cart?lang=ja", http.Header{"Accept-Language": {"en-US"}})
	require.Equal(t, "ショッピングカート", parseHTML(t, body).Find("h1").First().Text())

	// The explicit choice sticks to the session.
	_, body = h.get("/cart", http.Header{"Accept-Language": {"en-US"}})
	doc := parseHTML(t, body)
	require.Equal(t, "ja", doc.Find("html").AttrOr("lang", ""))
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, body := h.get("/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := storefront.New(storefront.Config{})
	require.Error(t, err)
}
