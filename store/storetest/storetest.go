// Package storetest provides a conformance test suite for store.Store
// implementations. Backend packages run it against a factory that yields a
// fresh, empty store per test.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/store"
	"github.com/google/uuid"
)

// Factory creates a new empty Store for testing.
type Factory func(t *testing.T) store.Store

// Run executes the complete store test suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, factory) })
	t.Run("DuplicateTokenRejected", func(t *testing.T) { testDuplicateTokenRejected(t, factory) })
	t.Run("TouchMissingSessionIsNoop", func(t *testing.T) { testTouchMissingSession(t, factory) })
	t.Run("MutationsRequireSession", func(t *testing.T) { testMutationsRequireSession(t, factory) })
	t.Run("UpsertCreatesThenIncrements", func(t *testing.T) { testUpsertCreatesThenIncrements(t, factory) })
	t.Run("ConcurrentUpsertsLoseNoIncrements", func(t *testing.T) { testConcurrentUpserts(t, factory) })
	t.Run("UpdateItem", func(t *testing.T) { testUpdateItem(t, factory) })
	t.Run("RemoveItemIsIdempotent", func(t *testing.T) { testRemoveItemIdempotent(t, factory) })
	t.Run("ClearEmitsSingleActivity", func(t *testing.T) { testClearEmitsSingleActivity(t, factory) })
	t.Run("SequenceIsMonotonic", func(t *testing.T) { testSequenceMonotonic(t, factory) })
	t.Run("SnapshotTotals", func(t *testing.T) { testSnapshotTotals(t, factory) })
	t.Run("ExpiredSessionsAndPurge", func(t *testing.T) { testExpiredSessionsAndPurge(t, factory) })
	t.Run("PurgeIsIdempotent", func(t *testing.T) { testPurgeIdempotent(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newSession(t *testing.T, ctx context.Context, st store.Store) *cart.Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &cart.Session{
		ID:             uuid.NewString(),
		Token:          uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(cart.DefaultTTL),
		Active:         true,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func testSessionLifecycle(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)

	sess := newSession(t, ctx, st)

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Token != sess.Token || !got.Active {
		t.Fatalf("GetSession returned %+v, want token %s active", got, sess.Token)
	}

	got, err = st.GetSessionByToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("GetSessionByToken failed: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("GetSessionByToken returned session %s, want %s", got.ID, sess.ID)
	}

	if _, err := st.GetSessionByToken(ctx, "no-such-token"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	// Sliding expiry: touch moves both timestamps.
	later := sess.LastActivityAt.Add(time.Hour)
	if err := st.TouchSession(ctx, sess.ID, later, later.Add(cart.DefaultTTL)); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	got, err = st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after touch failed: %v", err)
	}
	if !got.ExpiresAt.Equal(later.Add(cart.DefaultTTL)) {
		t.Fatalf("expected expiry %v, got %v", later.Add(cart.DefaultTTL), got.ExpiresAt)
	}

	// Deactivate twice; both must succeed.
	if err := st.DeactivateSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeactivateSession failed: %v", err)
	}
	if err := st.DeactivateSession(ctx, sess.ID); err != nil {
		t.Fatalf("second DeactivateSession failed: %v", err)
	}
	got, err = st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after deactivate failed: %v", err)
	}
	if got.Active {
		t.Fatal("session still active after DeactivateSession")
	}
}

func testTouchMissingSession(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)

	now := time.Now()
	if err := st.TouchSession(ctx, uuid.NewString(), now, now.Add(time.Hour)); err != nil {
		t.Fatalf("TouchSession of missing session must be a no-op, got %v", err)
	}
}

func testDuplicateTokenRejected(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)

	sess := newSession(t, ctx, st)

	dup := *sess
	dup.ID = uuid.NewString()
	if err := st.CreateSession(ctx, &dup); err == nil {
		t.Fatal("CreateSession with an in-use token must fail")
	}

	// The original owner of the token is untouched.
	got, err := st.GetSessionByToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("GetSessionByToken after rejected duplicate failed: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("token resolves to session %s, want %s", got.ID, sess.ID)
	}
}

// testMutationsRequireSession pins down what every mutation does against a
// session that was purged (or never existed). Writes that could create
// records must refuse; the item-scoped paths keep their not-found shapes.
// Orphan items or activities would be invisible to the expiry sweep.
func testMutationsRequireSession(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)

	sess := newSession(t, ctx, st)
	if _, err := st.UpsertItem(ctx, sess.ID, "prod-1", 1, 450, ""); err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}
	if err := st.PurgeSession(ctx, sess.ID); err != nil {
		t.Fatalf("PurgeSession failed: %v", err)
	}

	if _, err := st.UpsertItem(ctx, sess.ID, "prod-2", 1, 450, ""); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("UpsertItem against purged session: got %v, want ErrSessionNotFound", err)
	}
	if _, err := st.ClearItems(ctx, sess.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("ClearItems against purged session: got %v, want ErrSessionNotFound", err)
	}
	if _, err := st.UpdateItem(ctx, sess.ID, uuid.NewString(), 2, nil); !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("UpdateItem against purged session: got %v, want ErrItemNotFound", err)
	}
	m, found, err := st.RemoveItem(ctx, sess.ID, uuid.NewString())
	if err != nil || found || m != nil {
		t.Fatalf("RemoveItem against purged session: got (%+v, %v, %v), want absent", m, found, err)
	}

	// Nothing above may have left records behind.
	items, err := st.ListItems(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("found %d orphan items after failed mutations", len(items))
	}
	acts, err := st.ListActivities(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(acts) != 0 {
		t.Fatalf("found %d orphan activities after failed mutations", len(acts))
	}
	snap, err := st.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Seq != 0 {
		t.Fatalf("sequence counter survived the purge: %d", snap.Seq)
	}
}

func testUpsertCreatesThenIncrements(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	m1, err := st.UpsertItem(ctx, sess.ID, "prod-1", 2, 450, "extra cheese")
	if err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}
	if m1.Activity.Type != cart.ItemAdded {
		t.Fatalf("expected item_added, got %s", m1.Activity.Type)
	}
	if m1.Item.Quantity != 2 || m1.Item.LineTotal != 900 {
		t.Fatalf("unexpected item state: %+v", m1.Item)
	}

	// Same product again: increments in place, price refreshed.
	m2, err := st.UpsertItem(ctx, sess.ID, "prod-1", 3, 500, "")
	if err != nil {
		t.Fatalf("second UpsertItem failed: %v", err)
	}
	if m2.Activity.Type != cart.ItemUpdated {
		t.Fatalf("expected item_updated, got %s", m2.Activity.Type)
	}
	if m2.Item.ID != m1.Item.ID {
		t.Fatal("upsert created a duplicate line item for the same product")
	}
	if m2.Item.Quantity != 5 || m2.Item.UnitPrice != 500 || m2.Item.LineTotal != 2500 {
		t.Fatalf("unexpected item state after increment: %+v", m2.Item)
	}
	if m2.Activity.PreviousQuantity != 2 || m2.Activity.NewQuantity != 5 {
		t.Fatalf("unexpected activity quantities: %+v", m2.Activity)
	}
	if m2.Item.Notes != "extra cheese" {
		t.Fatalf("empty notes must not overwrite existing notes, got %q", m2.Item.Notes)
	}

	items, err := st.ListItems(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one line item, got %d", len(items))
	}
}

func testConcurrentUpserts(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	// Two tabs racing addItem for the same product: every increment must
	// land exactly once.
	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := st.UpsertItem(ctx, sess.ID, "prod-racy", 1, 100, ""); err != nil {
					t.Errorf("UpsertItem failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	items, err := st.ListItems(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one line item, got %d", len(items))
	}
	if want := workers * perWorker; items[0].Quantity != want {
		t.Fatalf("lost updates: quantity %d, want %d", items[0].Quantity, want)
	}
}

func testUpdateItem(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	if _, err := st.UpdateItem(ctx, sess.ID, uuid.NewString(), 2, nil); !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}

	m, err := st.UpsertItem(ctx, sess.ID, "prod-u", 1, 250, "")
	if err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}

	notes := "no onions"
	upd, err := st.UpdateItem(ctx, sess.ID, m.Item.ID, 4, &notes)
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if upd.Item.Quantity != 4 || upd.Item.LineTotal != 1000 || upd.Item.Notes != "no onions" {
		t.Fatalf("unexpected item state: %+v", upd.Item)
	}
	if upd.Activity.Type != cart.ItemUpdated || upd.Activity.PreviousQuantity != 1 || upd.Activity.NewQuantity != 4 {
		t.Fatalf("unexpected activity: %+v", upd.Activity)
	}

	// An item belonging to another session must not be reachable.
	other := newSession(t, ctx, st)
	if _, err := st.UpdateItem(ctx, other.ID, m.Item.ID, 2, nil); !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound across sessions, got %v", err)
	}
}

func testRemoveItemIdempotent(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	m, err := st.UpsertItem(ctx, sess.ID, "prod-r", 2, 300, "")
	if err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}

	rm, found, err := st.RemoveItem(ctx, sess.ID, m.Item.ID)
	if err != nil {
		t.Fatalf("RemoveItem failed: %v", err)
	}
	if !found {
		t.Fatal("expected found=true on first removal")
	}
	if rm.Activity.Type != cart.ItemRemoved || rm.Activity.NewQuantity != 0 || rm.Activity.PreviousQuantity != 2 {
		t.Fatalf("unexpected activity: %+v", rm.Activity)
	}

	// Second removal: no-op success, no activity appended.
	before, err := st.ListActivities(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	_, found, err = st.RemoveItem(ctx, sess.ID, m.Item.ID)
	if err != nil {
		t.Fatalf("second RemoveItem failed: %v", err)
	}
	if found {
		t.Fatal("expected found=false on second removal")
	}
	after, err := st.ListActivities(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("no-op removal appended an activity: %d -> %d", len(before), len(after))
	}

	// The product can be re-added after removal without duplicating rows.
	if _, err := st.UpsertItem(ctx, sess.ID, "prod-r", 1, 300, ""); err != nil {
		t.Fatalf("re-add after removal failed: %v", err)
	}
	items, err := st.ListItems(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != 1 {
		t.Fatalf("unexpected items after re-add: %+v", items)
	}
}

func testClearEmitsSingleActivity(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	for i := 0; i < 4; i++ {
		if _, err := st.UpsertItem(ctx, sess.ID, fmt.Sprintf("prod-%d", i), 1, 100, ""); err != nil {
			t.Fatalf("UpsertItem %d failed: %v", i, err)
		}
	}

	before, _ := st.ListActivities(ctx, sess.ID)
	m, err := st.ClearItems(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ClearItems failed: %v", err)
	}
	if m.Activity.Type != cart.CartCleared {
		t.Fatalf("expected cart_cleared, got %s", m.Activity.Type)
	}

	after, err := st.ListActivities(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("clear must append exactly one activity, got %d new", len(after)-len(before))
	}

	items, err := st.ListItems(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty cart after clear, got %d items", len(items))
	}
}

func testSequenceMonotonic(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	var last uint64
	for i := 0; i < 5; i++ {
		m, err := st.UpsertItem(ctx, sess.ID, "prod-seq", 1, 100, "")
		if err != nil {
			t.Fatalf("UpsertItem %d failed: %v", i, err)
		}
		if m.Activity.Seq != last+1 {
			t.Fatalf("expected seq %d, got %d", last+1, m.Activity.Seq)
		}
		last = m.Activity.Seq
	}

	acts, err := st.ListActivities(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	for i, a := range acts {
		if a.Seq != uint64(i+1) {
			t.Fatalf("activity %d has seq %d", i, a.Seq)
		}
	}

	// A second session has its own sequence.
	other := newSession(t, ctx, st)
	m, err := st.UpsertItem(ctx, other.ID, "prod-seq", 1, 100, "")
	if err != nil {
		t.Fatalf("UpsertItem in other session failed: %v", err)
	}
	if m.Activity.Seq != 1 {
		t.Fatalf("expected independent per-session seq 1, got %d", m.Activity.Seq)
	}
}

func testSnapshotTotals(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	if _, err := st.UpsertItem(ctx, sess.ID, "prod-a", 2, 450, ""); err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}
	if _, err := st.UpsertItem(ctx, sess.ID, "prod-b", 1, 1200, ""); err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}

	snap, err := st.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.TotalItems != 3 {
		t.Fatalf("expected 3 total items, got %d", snap.TotalItems)
	}
	if snap.TotalPrice != 2*450+1200 {
		t.Fatalf("expected total %d, got %d", 2*450+1200, snap.TotalPrice)
	}
	if snap.Seq != 2 {
		t.Fatalf("expected snapshot seq 2, got %d", snap.Seq)
	}
}

func testExpiredSessionsAndPurge(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)

	now := time.Now().UTC()
	stale := &cart.Session{
		ID:             uuid.NewString(),
		Token:          uuid.NewString(),
		CreatedAt:      now.Add(-48 * time.Hour),
		LastActivityAt: now.Add(-30 * time.Hour),
		ExpiresAt:      now.Add(-6 * time.Hour),
		Active:         true,
	}
	if err := st.CreateSession(ctx, stale); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := st.UpsertItem(ctx, stale.ID, "prod-x", 1, 100, ""); err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}

	fresh := newSession(t, ctx, st)

	ids, err := st.ExpiredSessions(ctx, now, 100)
	if err != nil {
		t.Fatalf("ExpiredSessions failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expected only the stale session, got %v", ids)
	}

	if err := st.PurgeSession(ctx, stale.ID); err != nil {
		t.Fatalf("PurgeSession failed: %v", err)
	}

	if _, err := st.GetSession(ctx, stale.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected purged session to be gone, got %v", err)
	}
	if _, err := st.GetSessionByToken(ctx, stale.Token); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected purged token to be gone, got %v", err)
	}
	items, err := st.ListItems(ctx, stale.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected purged items to be gone, got %d", len(items))
	}
	acts, err := st.ListActivities(ctx, stale.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(acts) != 0 {
		t.Fatalf("expected purged activities to be gone, got %d", len(acts))
	}

	// The fresh session is untouched.
	if _, err := st.GetSession(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session damaged by purge: %v", err)
	}
}

func testPurgeIdempotent(t *testing.T, factory Factory) {
	st := factory(t)
	defer st.Close()
	ctx := testCtx(t)
	sess := newSession(t, ctx, st)

	// Two sweepers racing on the same session: both must succeed.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.PurgeSession(ctx, sess.ID); err != nil {
				t.Errorf("concurrent PurgeSession failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := st.PurgeSession(ctx, sess.ID); err != nil {
		t.Fatalf("PurgeSession of purged session failed: %v", err)
	}
}
