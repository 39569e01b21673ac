package storefront

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/platform/httpx"
	"finitefield.org/storefront/internal/platform/requestctx"
	"finitefield.org/storefront/internal/session"
)

var errInvalidQuantity = errors.New("storefront: quantity must be a whole number")

func (s *server) controller(r *http.Request) (*session.Session, *cart.Controller) {
	sess := sessionFrom(r.Context())
	var cs cart.Session
	if user := sess.User(); user != nil {
		cs = cart.Session{UserID: user.UID, Token: user.Token}
	}
	return sess, s.registry.Controller(sess.ID(), cs)
}

func (s *server) lang(r *http.Request) string {
	return requestctx.Locale(r.Context(), s.messages.Fallback())
}

// start issues the initial fetch and waits briefly for it so most first
// renders already show the cart.
func (s *server) start(r *http.Request, ctrl *cart.Controller) {
	ctx, cancel := context.WithTimeout(r.Context(), s.initialWait)
	defer cancel()
	if err := ctrl.Initialize(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		requestctx.Logger(r.Context()).Warn("initial cart fetch failed", zap.Error(err))
	}
}

func (s *server) pageData(r *http.Request, sess *session.Session, ctrl *cart.Controller, flash string) pageView {
	lang := s.lang(r)
	return pageView{
		Lang:      lang,
		Languages: s.messages.Supported(),
		CSRFToken: sess.CSRFToken(),
		User:      sess.User(),
		Cart:      buildCartView(ctrl.Snapshot(), lang, s.currency, s.messages),
		Flash:     flash,
	}
}

func (s *server) showCart(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	s.start(r, ctrl)
	data := s.pageData(r, sess, ctrl, "")
	if isHTMX(r.Context()) {
		s.render(w, r, http.StatusOK, "cart_body", data)
		return
	}
	s.render(w, r, http.StatusOK, "page", data)
}

func (s *server) cartTable(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	s.start(r, ctrl)
	s.render(w, r, http.StatusOK, "cart_body", s.pageData(r, sess, ctrl, ""))
}

func (s *server) cartSummary(w http.ResponseWriter, r *http.Request) {
	_, ctrl := s.controller(r)
	s.start(r, ctrl)
	lang := s.lang(r)
	snap := ctrl.Snapshot()
	etag := summaryETag(snap, lang)

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSummary(snap, lang, s.currency))
}

func (s *server) setQuantity(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	quantity, err := strconv.Atoi(strings.TrimSpace(r.PostFormValue("quantity")))
	if err != nil {
		s.respond(w, r, sess, ctrl, errInvalidQuantity)
		return
	}
	s.respond(w, r, sess, ctrl, ctrl.SetQuantity(r.Context(), chi.URLParam(r, "itemID"), quantity))
}

func (s *server) removeItem(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	s.respond(w, r, sess, ctrl, ctrl.RemoveItem(r.Context(), chi.URLParam(r, "itemID")))
}

func (s *server) confirmClear(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	if sess.User() == nil {
		s.respond(w, r, sess, ctrl, cart.ErrUnauthenticated)
		return
	}
	s.renderClearDialog(w, r, sess, ctrl)
}

func (s *server) renderClearDialog(w http.ResponseWriter, r *http.Request, sess *session.Session, ctrl *cart.Controller) {
	data := s.pageData(r, sess, ctrl, "")
	data.ConfirmClear = true
	if isHTMX(r.Context()) {
		s.render(w, r, http.StatusOK, "clear_dialog", data)
		return
	}
	s.render(w, r, http.StatusOK, "page", data)
}

// clearCart empties the cart when the dialog was confirmed with
// confirm=yes; otherwise it shows the dialog.
func (s *server) clearCart(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	confirmer := cart.ConfirmFunc(func(context.Context, cart.Prompt) (bool, error) {
		return r.PostFormValue("confirm") == "yes", nil
	})
	err := ctrl.ClearCart(r.Context(), confirmer)
	if errors.Is(err, cart.ErrNotConfirmed) {
		s.renderClearDialog(w, r, sess, ctrl)
		return
	}
	s.respond(w, r, sess, ctrl, err)
}

func (s *server) refreshCart(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	err := ctrl.RefreshCart(r.Context())
	if err != nil && !cart.IsUserError(err) {
		// The snapshot carries the sync notice.
		requestctx.Logger(r.Context()).Warn("cart refresh failed", zap.Error(err))
		err = nil
	}
	s.respond(w, r, sess, ctrl, err)
}

func (s *server) dismissNotice(w http.ResponseWriter, r *http.Request) {
	sess, ctrl := s.controller(r)
	ctrl.DismissNotice()
	s.respond(w, r, sess, ctrl, nil)
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	token := strings.TrimSpace(r.PostFormValue("id_token"))
	identity, err := s.authn.Authenticate(r.Context(), token)
	if err != nil {
		requestctx.Logger(r.Context()).Info("login rejected", zap.Error(err))
		_, ctrl := s.controller(r)
		data := s.pageData(r, sess, ctrl, s.messages.T(s.lang(r), "error.login_failed"))
		s.render(w, r, http.StatusUnauthorized, "page", data)
		return
	}

	s.registry.Drop(sess.ID())
	sess.SignIn(session.User{UID: identity.UID, Name: identity.Name, Email: identity.Email, Token: identity.Token})
	if sess.Locale() == "" && s.messages.Supports(identity.Locale) {
		sess.SetLocale(identity.Locale)
	}
	requestctx.Logger(r.Context()).Info("shopper signed in", zap.String("user_id", identity.UID))
	s.redirect(w, r, "/cart")
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	s.registry.Drop(sess.ID())
	sess.Destroy()
	s.redirect(w, r, "/cart")
}

func (s *server) redirect(w http.ResponseWriter, r *http.Request, target string) {
	if isHTMX(r.Context()) {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// respond answers a cart action. htmx gets the refreshed cart body; plain
// forms are redirected back to the cart, or shown the page with the error.
func (s *server) respond(w http.ResponseWriter, r *http.Request, sess *session.Session, ctrl *cart.Controller, err error) {
	if err == nil {
		if isHTMX(r.Context()) {
			s.render(w, r, http.StatusOK, "cart_body", s.pageData(r, sess, ctrl, ""))
			return
		}
		http.Redirect(w, r, "/cart", http.StatusSeeOther)
		return
	}

	status, key := classify(err)
	if status >= http.StatusInternalServerError {
		requestctx.Logger(r.Context()).Error("cart action failed", zap.Error(err))
	}
	data := s.pageData(r, sess, ctrl, s.messages.T(s.lang(r), key))
	if isHTMX(r.Context()) {
		s.render(w, r, status, "cart_body", data)
		return
	}
	s.render(w, r, status, "page", data)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, cart.ErrUnauthenticated):
		return http.StatusUnauthorized, "error.unauthenticated"
	case errors.Is(err, cart.ErrItemNotFound):
		return http.StatusNotFound, "error.item_not_found"
	case errors.Is(err, cart.ErrItemPending):
		return http.StatusConflict, "error.item_pending"
	case errors.Is(err, errInvalidQuantity), errors.Is(err, cart.ErrInvalidQuantity):
		return http.StatusBadRequest, "error.invalid_quantity"
	case errors.Is(err, cart.ErrNotConfirmed):
		return http.StatusBadRequest, "error.not_confirmed"
	case errors.Is(err, cart.ErrClosed):
		return http.StatusServiceUnavailable, "error.generic"
	default:
		return http.StatusInternalServerError, "error.generic"
	}
}
