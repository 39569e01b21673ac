package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMutationTimeout = 10 * time.Second
	refreshKey             = "refresh"
)

// FetchStatus guards the one initial fetch per session.
type FetchStatus int

const (
	FetchNotStarted FetchStatus = iota
	FetchInFlight
	FetchDone
)

// String implements fmt.Stringer.
func (s FetchStatus) String() string {
	switch s {
	case FetchNotStarted:
		return "not_started"
	case FetchInFlight:
		return "in_flight"
	case FetchDone:
		return "done"
	default:
		return fmt.Sprintf("FetchStatus(%d)", int(s))
	}
}

// Snapshot is an immutable view of the cart as the shopper should see it.
type Snapshot struct {
	Authenticated bool
	Status        FetchStatus
	Currency      string
	Items         []Item
	Totals        Totals
	// FreeShippingGap is what is left to spend before shipping is free.
	FreeShippingGap int64
	Pending         []string
	Syncing         bool
	Notice          *Notice
	// Epoch identifies the controller; Revision only orders snapshots
	// within one epoch.
	Epoch    string
	Revision uint64
}

// Empty reports whether there is nothing in the cart.
func (s Snapshot) Empty() bool { return len(s.Items) == 0 }

// IsPending reports whether a quantity write for itemID is in flight.
func (s Snapshot) IsPending(itemID string) bool {
	for _, id := range s.Pending {
		if id == itemID {
			return true
		}
	}
	return false
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for reconciliation diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithShippingPolicy overrides the shipping fee policy.
func WithShippingPolicy(p ShippingPolicy) Option {
	return func(c *Controller) {
		c.policy = p
	}
}

// WithMutationTimeout bounds each remote call made on the shopper's behalf.
func WithMutationTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics records mutation and resync outcomes.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock overrides the time source used to stamp notices.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller keeps an optimistic local cart in step with the remote cart.
//
// Mutations change the local cart before returning and confirm with the
// remote on a background goroutine. A failed confirmation discards the local
// cart and replaces it with a fresh fetch. The zero value is not usable; use
// NewController.
type Controller struct {
	session Session
	remote  Remote
	epoch   string
	policy  ShippingPolicy
	logger  *zap.Logger
	metrics *Metrics
	timeout time.Duration
	now     func() time.Time

	refreshes singleflight.Group
	wg        sync.WaitGroup

	mu        sync.Mutex
	local     Cart
	confirmed Cart
	status    FetchStatus
	pending   map[string]struct{}
	syncing   int
	notice    *Notice
	revision  uint64
	closed    bool
}

// NewController builds the controller for one shopper session. A session
// without a user yields an inert controller that never calls remote.
func NewController(sess Session, remote Remote, opts ...Option) *Controller {
	c := &Controller{
		session: sess,
		remote:  remote,
		epoch:   ulid.Make().String(),
		policy:  DefaultShippingPolicy(),
		logger:  zap.NewNop(),
		timeout: defaultMutationTimeout,
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With(zap.String("user_id", sess.UserID))
	return c
}

// Session returns the session the controller acts for.
func (c *Controller) Session() Session { return c.session }

// Initialize issues the initial fetch of the remote cart. Only the first
// call per controller fetches; later calls, and calls on a signed-out
// session, return immediately.
func (c *Controller) Initialize(ctx context.Context) error {
	if !c.session.Authenticated() || c.remote == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != FetchNotStarted {
		c.mu.Unlock()
		return nil
	}
	c.status = FetchInFlight
	c.mu.Unlock()

	return c.resyncTracked(ctx, "initial", true)
}

// SetQuantity changes the quantity of one item. Quantities below one are
// ignored and quantities above MaxQuantity fail with ErrInvalidQuantity.
// While an earlier write for the same item is in flight the call fails with
// ErrItemPending.
func (c *Controller) SetQuantity(ctx context.Context, itemID string, quantity int) error {
	if !c.session.Authenticated() {
		return ErrUnauthenticated
	}
	if quantity < 1 {
		return nil
	}
	if quantity > MaxQuantity {
		return ErrInvalidQuantity
	}
	itemID = strings.TrimSpace(itemID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, busy := c.pending[itemID]; busy {
		c.mu.Unlock()
		return ErrItemPending
	}
	current, ok := c.local.Find(itemID)
	if !ok {
		c.mu.Unlock()
		return ErrItemNotFound
	}
	if current.Quantity == quantity {
		c.mu.Unlock()
		return nil
	}
	c.local, _ = c.local.withQuantity(itemID, quantity)
	c.pending[itemID] = struct{}{}
	c.revision++
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		bg, cancel := c.detached(ctx)
		defer cancel()

		err := c.remote.UpdateItemQuantity(bg, c.session, itemID, quantity)
		c.metrics.mutation(bg, "set_quantity", err)

		c.mu.Lock()
		delete(c.pending, itemID)
		if err == nil {
			c.confirmed, _ = c.confirmed.withQuantity(itemID, quantity)
			c.local, _ = c.local.withQuantity(itemID, quantity)
		}
		c.revision++
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("quantity update rejected; resyncing",
				zap.String("item_id", itemID),
				zap.Int("quantity", quantity),
				zap.Error(err),
			)
			_ = c.resync(bg, "set_quantity_failed")
		}
	}()
	return nil
}

// RemoveItem drops an item from the cart.
func (c *Controller) RemoveItem(ctx context.Context, itemID string) error {
	if !c.session.Authenticated() {
		return ErrUnauthenticated
	}
	itemID = strings.TrimSpace(itemID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	next, ok := c.local.without(itemID)
	if !ok {
		c.mu.Unlock()
		return ErrItemNotFound
	}
	c.local = next
	c.revision++
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		bg, cancel := c.detached(ctx)
		defer cancel()

		err := c.remote.RemoveItem(bg, c.session, itemID)
		c.metrics.mutation(bg, "remove_item", err)
		if err == nil {
			c.mu.Lock()
			c.confirmed, _ = c.confirmed.without(itemID)
			c.local, _ = c.local.without(itemID)
			c.revision++
			c.mu.Unlock()
			return
		}
		c.logger.Warn("item removal rejected; resyncing",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		_ = c.resync(bg, "remove_item_failed")
	}()
	return nil
}

// ClearCart empties the cart once confirmer approves. A remote failure
// restores the remote cart and raises a NoticeClearFailed notice.
func (c *Controller) ClearCart(ctx context.Context, confirmer Confirmer) error {
	if !c.session.Authenticated() {
		return ErrUnauthenticated
	}
	if confirmer == nil {
		return ErrNotConfirmed
	}
	ok, err := confirmer.Confirm(ctx, Prompt{
		Action:  "clear_cart",
		Message: "Remove every item from the cart?",
	})
	if err != nil {
		return fmt.Errorf("cart: confirm clear: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.local = Cart{Currency: c.local.Currency}
	if c.notice != nil && c.notice.Kind == NoticeClearFailed {
		c.notice = nil
	}
	c.revision++
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		bg, cancel := c.detached(ctx)
		defer cancel()

		err := c.remote.ClearCart(bg, c.session)
		c.metrics.mutation(bg, "clear_cart", err)
		if err == nil {
			c.mu.Lock()
			c.confirmed = Cart{Currency: c.confirmed.Currency}
			c.local = Cart{Currency: c.local.Currency}
			c.revision++
			c.mu.Unlock()
			return
		}
		c.logger.Warn("cart clear rejected; resyncing", zap.Error(err))
		c.mu.Lock()
		c.notice = noticeFromError(NoticeClearFailed, err, c.now().UTC())
		c.revision++
		c.mu.Unlock()
		_ = c.resync(bg, "clear_cart_failed")
	}()
	return nil
}

// RefreshCart replaces the local cart with a fresh fetch. Concurrent calls
// share one fetch.
func (c *Controller) RefreshCart(ctx context.Context) error {
	if !c.session.Authenticated() {
		return ErrUnauthenticated
	}
	return c.resyncTracked(ctx, "manual", true)
}

// Snapshot returns the current view with derived totals.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := c.local.Clone()
	snap := Snapshot{
		Authenticated:   c.session.Authenticated(),
		Status:          c.status,
		Currency:        view.Currency,
		Items:           view.Items,
		Totals:          c.policy.Totals(view),
		FreeShippingGap: c.policy.RemainingForFreeShipping(view),
		Syncing:         c.syncing > 0,
		Epoch:           c.epoch,
		Revision:        c.revision,
	}
	if len(c.pending) > 0 {
		snap.Pending = make([]string, 0, len(c.pending))
		for id := range c.pending {
			snap.Pending = append(snap.Pending, id)
		}
		sort.Strings(snap.Pending)
	}
	if c.notice != nil {
		n := *c.notice
		snap.Notice = &n
	}
	return snap
}

// DismissNotice clears the visible notice, if any.
func (c *Controller) DismissNotice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notice != nil {
		c.notice = nil
		c.revision++
	}
}

// Settle blocks until in-flight remote confirmations and the resyncs they
// trigger have finished, or ctx is done.
func (c *Controller) Settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses further mutations and waits for background work to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

// resync fetches the remote cart and makes it the local and confirmed cart.
// When the fetch fails the local cart falls back to the last confirmed one.
// Background callers already hold a wg slot and may resync after Close.
func (c *Controller) resync(ctx context.Context, reason string) error {
	return c.resyncTracked(ctx, reason, false)
}

func (c *Controller) resyncTracked(ctx context.Context, reason string, caller bool) error {
	c.mu.Lock()
	if caller && c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.syncing++
	c.wg.Add(1)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncing--
		c.mu.Unlock()
	}()

	shared := c.refreshes.DoChan(refreshKey, func() (any, error) {
		fetchCtx, cancel := c.detached(ctx)
		defer cancel()
		remote, err := c.remote.FetchCart(fetchCtx, c.session)
		c.metrics.resync(fetchCtx, reason, err)
		c.applyFetch(remote, err, reason)
		return nil, err
	})

	// The relay keeps the shared fetch counted by wg even when this caller
	// stops waiting.
	result := make(chan error, 1)
	go func() {
		defer c.wg.Done()
		res := <-shared
		result <- res.Err
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) applyFetch(remote Cart, err error, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != FetchDone {
		c.status = FetchDone
	}
	c.revision++
	if err != nil {
		c.logger.Warn("cart resync failed; showing last confirmed cart",
			zap.String("reason", reason),
			zap.Error(err),
		)
		c.local = c.confirmed.Clone()
		if c.notice == nil || c.notice.Kind != NoticeClearFailed {
			c.notice = noticeFromError(NoticeSyncFailed, err, c.now().UTC())
		}
		return
	}

	fresh := remote.normalized()
	c.confirmed = fresh
	c.local = fresh.Clone()
	if c.notice != nil && c.notice.Kind == NoticeSyncFailed {
		c.notice = nil
	}
	c.logger.Debug("cart resynced",
		zap.String("reason", reason),
		zap.Int("items", len(fresh.Items)),
	)
}

func (c *Controller) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// IsUserError reports whether err is one of the controller's expected
// rejections rather than an internal failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrItemPending) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrNotConfirmed)
}
