package cartsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/feastly/cartsync/broker"
	brokermem "github.com/feastly/cartsync/broker/memory"
	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/catalog"
	"github.com/feastly/cartsync/catalog/catalogtest"
	"github.com/feastly/cartsync/realtime"
	"github.com/feastly/cartsync/store"
	storemem "github.com/feastly/cartsync/store/memory"
)

type fixture struct {
	client  *Client
	catalog *catalogtest.Static
	pubsub  *brokermem.PubSub
	store   *storemem.Store
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	cat := catalogtest.New()
	cat.Put(catalog.Product{ID: "margherita", Name: "Margherita", Price: 1150, Active: true})
	cat.Put(catalog.Product{ID: "pad-thai", Name: "Pad Thai", Price: 1380, Active: true})
	cat.Put(catalog.Product{ID: "discontinued", Name: "Old Special", Price: 900, Active: false})

	clock := &fakeClock{now: time.Now()}
	st := storemem.New(storemem.WithClock(clock.Now))
	ps := brokermem.New()

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	client, err := New(st, ps, cat, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{client: client, catalog: cat, pubsub: ps, store: st, clock: clock}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAddItemThenSnapshot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	h, err := fx.client.GetOrCreateSession(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	item, err := fx.client.AddItem(ctx, h, "margherita", 2, "")
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if item.Quantity != 2 || item.LineTotal != 2*1150 {
		t.Fatalf("unexpected line item: %+v", item)
	}

	snap, err := fx.client.GetSnapshot(ctx, h)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if len(snap.Items) != 1 || snap.TotalItems != 2 || snap.TotalPrice != 2300 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRepeatedAddsMergeIntoOneLineItem(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	h, _ := fx.client.GetOrCreateSession(ctx, "")

	if _, err := fx.client.AddItem(ctx, h, "margherita", 1, ""); err != nil {
		t.Fatalf("first AddItem failed: %v", err)
	}
	item, err := fx.client.AddItem(ctx, h, "margherita", 3, "")
	if err != nil {
		t.Fatalf("second AddItem failed: %v", err)
	}
	if item.Quantity != 4 {
		t.Fatalf("expected merged quantity 4, got %d", item.Quantity)
	}

	snap, _ := fx.client.GetSnapshot(ctx, h)
	if len(snap.Items) != 1 {
		t.Fatalf("expected a single line item, got %d", len(snap.Items))
	}
}

func TestPriceAuthorityIsTheCatalog(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	h, _ := fx.client.GetOrCreateSession(ctx, "")

	item, err := fx.client.AddItem(ctx, h, "pad-thai", 1, "")
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if item.UnitPrice != 1380 {
		t.Fatalf("expected catalog price 1380, got %d", item.UnitPrice)
	}

	// Price changes between adds: the new catalog price wins and the line
	// total is recomputed server-side.
	fx.catalog.SetPrice("pad-thai", 1500)
	item, err = fx.client.AddItem(ctx, h, "pad-thai", 1, "")
	if err != nil {
		t.Fatalf("second AddItem failed: %v", err)
	}
	if item.UnitPrice != 1500 || item.LineTotal != 2*1500 {
		t.Fatalf("expected refreshed price, got %+v", item)
	}
}

func TestAddItemValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")

	if _, err := fx.client.AddItem(ctx, h, "margherita", 0, ""); !errors.Is(err, cart.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := fx.client.AddItem(ctx, h, "margherita", -2, ""); !errors.Is(err, cart.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for negative, got %v", err)
	}
	if _, err := fx.client.AddItem(ctx, h, "no-such-product", 1, ""); !errors.Is(err, cart.ErrInvalidProduct) {
		t.Fatalf("expected ErrInvalidProduct, got %v", err)
	}
	if _, err := fx.client.AddItem(ctx, h, "discontinued", 1, ""); !errors.Is(err, cart.ErrInvalidProduct) {
		t.Fatalf("expected ErrInvalidProduct for inactive product, got %v", err)
	}

	// Nothing leaked into the cart.
	snap, _ := fx.client.GetSnapshot(ctx, h)
	if len(snap.Items) != 0 {
		t.Fatalf("failed validations mutated the cart: %+v", snap.Items)
	}
}

func TestUpdateToNonPositiveQuantityRemoves(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")

	item, err := fx.client.AddItem(ctx, h, "margherita", 2, "")
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	got, err := fx.client.UpdateItem(ctx, h, item.ID, -1, nil)
	if err != nil {
		t.Fatalf("UpdateItem with negative quantity failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil item after removal-by-update, got %+v", got)
	}

	snap, _ := fx.client.GetSnapshot(ctx, h)
	if len(snap.Items) != 0 {
		t.Fatal("item survived removal-by-update")
	}

	// The audit trail records a removal, not an update.
	acts, err := fx.client.Activities(ctx, h)
	if err != nil {
		t.Fatalf("Activities failed: %v", err)
	}
	last := acts[len(acts)-1]
	if last.Type != cart.ItemRemoved || last.NewQuantity != 0 {
		t.Fatalf("expected trailing item_removed, got %+v", last)
	}
}

func TestUpdateMissingItemIsNotFound(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")

	if _, err := fx.client.UpdateItem(ctx, h, "no-such-item", 2, nil); !errors.Is(err, cart.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveItemIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")

	item, _ := fx.client.AddItem(ctx, h, "margherita", 1, "")

	if err := fx.client.RemoveItem(ctx, h, item.ID); err != nil {
		t.Fatalf("RemoveItem failed: %v", err)
	}
	// Second removal from a racing tab: success, not an error.
	if err := fx.client.RemoveItem(ctx, h, item.ID); err != nil {
		t.Fatalf("second RemoveItem failed: %v", err)
	}
}

func TestClearCart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")

	fx.client.AddItem(ctx, h, "margherita", 2, "")
	fx.client.AddItem(ctx, h, "pad-thai", 1, "")

	if err := fx.client.ClearCart(ctx, h); err != nil {
		t.Fatalf("ClearCart failed: %v", err)
	}

	snap, _ := fx.client.GetSnapshot(ctx, h)
	if len(snap.Items) != 0 || snap.TotalItems != 0 || snap.TotalPrice != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}

	acts, _ := fx.client.Activities(ctx, h)
	last := acts[len(acts)-1]
	if last.Type != cart.CartCleared {
		t.Fatalf("expected cart_cleared, got %s", last.Type)
	}
}

func TestSlidingExpiryOnMutation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	h, _ := fx.client.GetOrCreateSession(ctx, "")

	fx.clock.Advance(10 * time.Hour)
	if _, err := fx.client.AddItem(ctx, h, "margherita", 1, ""); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	sess, err := fx.store.GetSession(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if want := fx.clock.Now().Add(cart.DefaultTTL); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v after mutation, got %v", want, sess.ExpiresAt)
	}
}

func TestStaleTokenYieldsFreshEmptyCart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	h, _ := fx.client.GetOrCreateSession(ctx, "")
	fx.client.AddItem(ctx, h, "margherita", 2, "")

	// Untouched past the TTL.
	fx.clock.Advance(cart.DefaultTTL + time.Hour)

	fresh, err := fx.client.GetOrCreateSession(ctx, h.Token)
	if err != nil {
		t.Fatalf("expected transparent fallback to a new session, got %v", err)
	}
	if fresh.ID == h.ID {
		t.Fatal("expired session was resumed")
	}

	snap, err := fx.client.GetSnapshot(ctx, fresh)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if len(snap.Items) != 0 {
		t.Fatalf("new session inherited items: %+v", snap.Items)
	}
}

func TestTwoSubscribersConverge(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")

	var mu sync.Mutex
	var viewA, viewB *cart.Snapshot

	unsubA, err := fx.client.Subscribe(ctx, h, func(v *cart.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		viewA = v
	})
	if err != nil {
		t.Fatalf("Subscribe A failed: %v", err)
	}
	defer unsubA()

	unsubB, err := fx.client.Subscribe(ctx, h, func(v *cart.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		viewB = v
	})
	if err != nil {
		t.Fatalf("Subscribe B failed: %v", err)
	}
	defer unsubB()

	// Let both subscribers finish their initial reconcile before
	// mutating, so the change arrives as a live event.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return viewA != nil && viewB != nil
	})

	if _, err := fx.client.AddItem(ctx, h, "margherita", 1, ""); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return viewA != nil && viewA.TotalItems == 1 &&
			viewB != nil && viewB.TotalItems == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if viewA.Items[0].ProductID != "margherita" || viewB.Items[0].ProductID != "margherita" {
		t.Fatalf("subscriber views diverged: %+v / %+v", viewA.Items, viewB.Items)
	}
}

func TestMutationsSucceedWithChannelDown(t *testing.T) {
	// Degraded sync must not block cart interaction: the store commits
	// even when every broadcast fails.
	cat := catalogtest.New()
	cat.Put(catalog.Product{ID: "margherita", Price: 1150, Active: true})
	st := storemem.New()
	client, err := New(st, deadPubSub{}, cat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	h, err := client.GetOrCreateSession(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if _, err := client.AddItem(ctx, h, "margherita", 2, ""); err != nil {
		t.Fatalf("AddItem must succeed with the channel down, got %v", err)
	}

	snap, err := client.GetSnapshot(ctx, h)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.TotalItems != 2 {
		t.Fatalf("mutation lost: %+v", snap)
	}
}

type deadPubSub struct{}

func (deadPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	return errors.New("connection refused")
}

func (deadPubSub) Subscribe(ctx context.Context, topic string) (broker.Stream, error) {
	return nil, errors.New("connection refused")
}

func TestCheckoutDeactivatesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")
	fx.client.AddItem(ctx, h, "pad-thai", 2, "")

	snap, err := fx.client.Checkout(ctx, h)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if snap.TotalItems != 2 {
		t.Fatalf("unexpected closing snapshot: %+v", snap)
	}

	// The token no longer resumes the checked-out session.
	fresh, err := fx.client.GetOrCreateSession(ctx, h.Token)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if fresh.ID == h.ID {
		t.Fatal("checked-out session was resumed")
	}
}

func TestMutationsAgainstPurgedSessionFail(t *testing.T) {
	// A client can hold a handle past the sweeper's purge. Mutations
	// through it must fail rather than write records that no longer hang
	// off a session, since those would never be swept.
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")
	if _, err := fx.client.AddItem(ctx, h, "margherita", 1, ""); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if err := fx.store.PurgeSession(ctx, h.ID); err != nil {
		t.Fatalf("PurgeSession failed: %v", err)
	}

	if _, err := fx.client.AddItem(ctx, h, "margherita", 2, ""); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("AddItem after purge: got %v, want ErrSessionNotFound", err)
	}
	if err := fx.client.ClearCart(ctx, h); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("ClearCart after purge: got %v, want ErrSessionNotFound", err)
	}

	items, err := fx.store.ListItems(ctx, h.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	acts, aerr := fx.store.ListActivities(ctx, h.ID)
	if aerr != nil {
		t.Fatalf("ListActivities failed: %v", aerr)
	}
	if len(items) != 0 || len(acts) != 0 {
		t.Fatalf("purged session accreted %d items and %d activities", len(items), len(acts))
	}
}

func TestSubscriberReconcilesAfterOfflineMutations(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")

	var mu sync.Mutex
	var view *cart.Snapshot
	var states []realtime.ConnState

	unsub, err := fx.client.Subscribe(ctx, h, func(v *cart.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		view = v
	}, realtime.WithBackoff(time.Millisecond, 10*time.Millisecond),
		realtime.WithStateHandler(func(s realtime.ConnState) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		}))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return view != nil
	})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == realtime.StateConnected {
				return true
			}
		}
		return false
	})

	// Go offline, miss two mutations, come back.
	unsub()

	fx.client.AddItem(ctx, h, "margherita", 1, "")
	fx.client.AddItem(ctx, h, "pad-thai", 2, "")

	mu.Lock()
	view = nil
	mu.Unlock()

	unsub2, err := fx.client.Subscribe(ctx, h, func(v *cart.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		view = v
	})
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}
	defer unsub2()

	// The fresh subscriber received zero live events for those mutations
	// but must still converge via snapshot reconciliation.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return view != nil && view.TotalItems == 3
	})
}

func TestGetSnapshotCoalescesConcurrentReads(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	h, _ := fx.client.GetOrCreateSession(ctx, "")
	fx.client.AddItem(ctx, h, "margherita", 1, "")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := fx.client.GetSnapshot(ctx, h)
			if err != nil {
				t.Errorf("GetSnapshot failed: %v", err)
				return
			}
			if snap.TotalItems != 1 {
				t.Errorf("unexpected snapshot: %+v", snap)
			}
		}()
	}
	wg.Wait()
}
