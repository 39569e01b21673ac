package storefront

import (
	"html/template"
	"slices"
	"strconv"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/format"
	"finitefield.org/storefront/internal/i18n"
	"finitefield.org/storefront/internal/session"
)

type pageView struct {
	Lang         string
	Languages    []string
	CSRFToken    string
	User         *session.User
	Cart         cartView
	Flash        string
	ConfirmClear bool
}

type cartView struct {
	Authenticated bool
	Loading       bool
	Syncing       bool
	// Poll asks the page to refetch the cart body until it settles.
	Poll          bool
	Empty         bool
	Items         []itemView
	ItemCount     int
	Subtotal      string
	Shipping      string
	ShipsFree     bool
	Total         string
	Gap           string
	Notice        *noticeView
	Revision      uint64
	Currency      string
	StatusLabel   string
}

type itemView struct {
	ID          string
	Name        string
	ImageURL    string
	Description template.HTML
	UnitPrice   string
	LineTotal   string
	Quantity    int
	Pending     bool
}

type noticeView struct {
	Kind    string
	Message string
	Detail  string
}

func buildCartView(snap cart.Snapshot, lang, currency string, messages *i18n.Bundle) cartView {
	if snap.Currency != "" {
		currency = snap.Currency
	}
	money := func(v int64) string { return format.Currency(v, currency, lang) }
	view := cartView{
		Authenticated: snap.Authenticated,
		Loading:       snap.Authenticated && snap.Status != cart.FetchDone,
		Syncing:       snap.Syncing,
		Empty:         snap.Empty(),
		ItemCount:     snap.Totals.ItemCount,
		Subtotal:      money(snap.Totals.Subtotal),
		Shipping:      money(snap.Totals.Shipping),
		ShipsFree:     snap.Totals.Shipping == 0,
		Total:         money(snap.Totals.GrandTotal),
		Revision:      snap.Revision,
		Currency:      currency,
		StatusLabel:   snap.Status.String(),
	}
	view.Poll = view.Loading || snap.Syncing || len(snap.Pending) > 0
	if snap.FreeShippingGap > 0 && !snap.Empty() {
		view.Gap = messages.T(lang, "cart.free_shipping_gap", "amount", money(snap.FreeShippingGap))
	}
	for _, item := range snap.Items {
		itemCurrency := item.Currency
		if itemCurrency == "" {
			itemCurrency = currency
		}
		view.Items = append(view.Items, itemView{
			ID:          item.ID,
			Name:        item.Name,
			ImageURL:    item.ImageURL,
			Description: format.Markdown(item.Description),
			UnitPrice:   format.Currency(item.UnitPrice, itemCurrency, lang),
			LineTotal:   format.Currency(item.LineTotal(), itemCurrency, lang),
			Quantity:    item.Quantity,
			Pending:     slices.Contains(snap.Pending, item.ID),
		})
	}
	if snap.Notice != nil {
		view.Notice = &noticeView{
			Kind:    string(snap.Notice.Kind),
			Message: messages.T(lang, "notice."+string(snap.Notice.Kind)),
			Detail:  snap.Notice.Message,
		}
	}
	return view
}

// summaryView is the JSON body of /cart/summary.
type summaryView struct {
	Authenticated   bool         `json:"authenticated"`
	Revision        uint64       `json:"revision"`
	Status          string       `json:"status"`
	Syncing         bool         `json:"syncing"`
	Currency        string       `json:"currency"`
	ItemCount       int          `json:"item_count"`
	Totals          cart.Totals  `json:"totals"`
	FreeShippingGap int64        `json:"free_shipping_gap"`
	Pending         []string     `json:"pending"`
	Notice          *cart.Notice `json:"notice,omitempty"`
	Display         summaryText  `json:"display"`
}

type summaryText struct {
	Subtotal string `json:"subtotal"`
	Shipping string `json:"shipping"`
	Total    string `json:"total"`
}

func buildSummary(snap cart.Snapshot, lang, currency string) summaryView {
	if snap.Currency != "" {
		currency = snap.Currency
	}
	pending := snap.Pending
	if pending == nil {
		pending = []string{}
	}
	return summaryView{
		Authenticated:   snap.Authenticated,
		Revision:        snap.Revision,
		Status:          snap.Status.String(),
		Syncing:         snap.Syncing,
		Currency:        currency,
		ItemCount:       snap.Totals.ItemCount,
		Totals:          snap.Totals,
		FreeShippingGap: snap.FreeShippingGap,
		Pending:         pending,
		Notice:          snap.Notice,
		Display: summaryText{
			Subtotal: format.Currency(snap.Totals.Subtotal, currency, lang),
			Shipping: format.Currency(snap.Totals.Shipping, currency, lang),
			Total:    format.Currency(snap.Totals.GrandTotal, currency, lang),
		},
	}
}

// summaryETag changes whenever the snapshot or its sync state does. The
// controller epoch keeps revisions of different carts apart, since every
// controller counts from zero.
func summaryETag(snap cart.Snapshot, lang string) string {
	syncing := "0"
	if snap.Syncing {
		syncing = "1"
	}
	return `W/"` + snap.Epoch + "-" + strconv.FormatUint(snap.Revision, 10) + "-" + syncing + "-" + lang + `"`
}
