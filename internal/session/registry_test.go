package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/cartapi"
	"finitefield.org/storefront/internal/cartstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type registryClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *registryClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *registryClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *registryClock, *int) {
	t.Helper()
	remote := cartapi.NewStatic(cartstore.NewMemoryStore("JPY", cartstore.DemoItems))
	clock := &registryClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	built := 0
	reg := NewRegistry(func(sess cart.Session) *cart.Controller {
		built++
		return cart.NewController(sess, remote)
	}, WithIdleTTL(time.Minute), WithRegistryClock(clock.Now))
	t.Cleanup(reg.Close)
	return reg, clock, &built
}

func TestRegistryReusesControllerPerSession(t *testing.T) {
	reg, _, built := newTestRegistry(t)
	sess := cart.Session{UserID: "user-1", Token: "debug:user-1"}

	first := reg.Controller("s1", sess)
	require.NoError(t, first.Initialize(context.Background()))
	require.Same(t, first, reg.Controller("s1", sess))
	require.Equal(t, 1, *built)
	require.Equal(t, 1, reg.Len())

	other := reg.Controller("s2", cart.Session{UserID: "user-2", Token: "debug:user-2"})
	require.NotSame(t, first, other)
	require.Equal(t, 2, reg.Len())
}

func TestRegistryAnonymousNotRetained(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	ctrl := reg.Controller("s1", cart.Session{})
	require.False(t, ctrl.Snapshot().Authenticated)
	require.Zero(t, reg.Len())
}

func TestRegistryReplacesOnUserChange(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first := reg.Controller("s1", cart.Session{UserID: "user-1", Token: "t1"})
	second := reg.Controller("s1", cart.Session{UserID: "user-1", Token: "t2"})
	require.NotSame(t, first, second)
	require.Equal(t, 1, reg.Len())

	require.Eventually(t, func() bool {
		return errors.Is(first.SetQuantity(ctx, "hinoki-15", 2), cart.ErrClosed)
	}, time.Second, 5*time.Millisecond)
}

func TestRegistrySweepAndDrop(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)
	sess := cart.Session{UserID: "user-1", Token: "t1"}

	reg.Controller("idle", sess)
	clock.Advance(30 * time.Second)
	reg.Controller("busy", sess)
	clock.Advance(45 * time.Second)

	require.Equal(t, 1, reg.Sweep())
	require.Equal(t, 1, reg.Len())

	reg.Drop("busy")
	require.Zero(t, reg.Len())
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRegistryClosedHandsOutInertControllers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.Close()

	ctrl := reg.Controller("s1", cart.Session{UserID: "user-1"})
	require.False(t, ctrl.Snapshot().Authenticated)
	require.Zero(t, reg.Len())
}
