package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cart"
)

const defaultRegistryIdleTTL = 30 * time.Minute

// ControllerFactory builds the cart controller for a shopper session.
type ControllerFactory func(cart.Session) *cart.Controller

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithIdleTTL sets how long an unused controller is kept.
func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.idleTTL = ttl
		}
	}
}

// WithRegistryClock overrides the time source used for idle tracking.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type entry struct {
	ctrl     *cart.Controller
	lastUsed time.Time
}

// Registry owns one cart controller per signed-in session so optimistic
// state survives between requests.
type Registry struct {
	factory ControllerFactory
	idleTTL time.Duration
	now     func() time.Time
	logger  *zap.Logger

	closing sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry(factory ControllerFactory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory: factory,
		idleTTL: defaultRegistryIdleTTL,
		now:     time.Now,
		logger:  zap.NewNop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Controller returns the controller for sessionID. Signed-out sessions get
// a fresh inert controller that is not retained. A session whose shopper
// or token changed gets a new controller and the old one is closed.
func (r *Registry) Controller(sessionID string, sess cart.Session) *cart.Controller {
	if !sess.Authenticated() || sessionID == "" {
		return r.factory(cart.Session{})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.factory(cart.Session{})
	}
	now := r.now()
	if e, ok := r.entries[sessionID]; ok {
		if e.ctrl.Session() == sess {
			e.lastUsed = now
			return e.ctrl
		}
		r.retire(sessionID, e.ctrl)
	}
	ctrl := r.factory(sess)
	r.entries[sessionID] = &entry{ctrl: ctrl, lastUsed: now}
	return ctrl
}

// Drop closes and forgets the controller for sessionID.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		delete(r.entries, sessionID)
		r.retire(sessionID, e.ctrl)
	}
}

// Len returns the number of retained controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep closes controllers idle for longer than the idle TTL and returns
// how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idleTTL)
	removed := 0
	for id, e := range r.entries {
		if e.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			r.retire(id, e.ctrl)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.Debug("idle cart controllers removed", zap.Int("count", removed))
			}
		}
	}
}

// Close closes every controller and waits for them to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for id, e := range r.entries {
		delete(r.entries, id)
		r.retire(id, e.ctrl)
	}
	r.mu.Unlock()
	r.closing.Wait()
}

// retire closes ctrl off the lock; Close blocks on in-flight remote calls.
// Callers hold r.mu.
func (r *Registry) retire(sessionID string, ctrl *cart.Controller) {
	r.closing.Add(1)
	go func() {
		defer r.closing.Done()
		ctrl.Close()
		r.logger.Debug("cart controller closed", zap.String("session_id", sessionID))
	}()
}
