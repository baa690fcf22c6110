package sweeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/store"
	"github.com/feastly/cartsync/store/memory"
	"github.com/google/uuid"
)

func seedSession(t *testing.T, st store.Store, expiresAt time.Time) *cart.Session {
	t.Helper()
	now := time.Now()
	sess := &cart.Session{
		ID:             uuid.NewString(),
		Token:          uuid.NewString(),
		CreatedAt:      now.Add(-48 * time.Hour),
		LastActivityAt: now.Add(-48 * time.Hour),
		ExpiresAt:      expiresAt,
		Active:         true,
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := st.UpsertItem(context.Background(), sess.ID, "prod-1", 1, 100, ""); err != nil {
		t.Fatalf("UpsertItem failed: %v", err)
	}
	return sess
}

func TestSweep_PurgesOnlyExpiredSessions(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now()

	expired := seedSession(t, st, now.Add(-time.Hour))
	live := seedSession(t, st, now.Add(time.Hour))

	s := New(st, WithClock(func() time.Time { return now }))
	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if _, err := st.GetSession(ctx, expired.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expired session survived the sweep: %v", err)
	}
	if _, err := st.GetSession(ctx, live.ID); err != nil {
		t.Fatalf("live session was purged: %v", err)
	}
	items, err := st.ListItems(ctx, expired.ID)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatal("expired session's items survived the sweep")
	}
}

func TestSweep_ConcurrentSweepsAreSafe(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 10; i++ {
		seedSession(t, st, now.Add(-time.Hour))
	}

	s1 := New(st, WithClock(func() time.Time { return now }))
	s2 := New(st, WithClock(func() time.Time { return now }))

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() { defer wg.Done(); err1 = s1.Sweep(ctx) }()
	go func() { defer wg.Done(); err2 = s2.Sweep(ctx) }()
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("concurrent sweeps errored: %v / %v", err1, err2)
	}

	ids, err := st.ExpiredSessions(ctx, now, 100)
	if err != nil {
		t.Fatalf("ExpiredSessions failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected all expired sessions purged, %d remain", len(ids))
	}
}

// failingStore wraps a Store to make PurgeSession fail for chosen IDs.
type failingStore struct {
	store.Store
	failIDs map[string]bool
}

func (f *failingStore) PurgeSession(ctx context.Context, sessionID string) error {
	if f.failIDs[sessionID] {
		return errors.New("simulated purge failure")
	}
	return f.Store.PurgeSession(ctx, sessionID)
}

func TestSweep_OneFailureDoesNotAbortThePass(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now()

	bad := seedSession(t, st, now.Add(-time.Hour))
	good := seedSession(t, st, now.Add(-time.Hour))

	wrapped := &failingStore{Store: st, failIDs: map[string]bool{bad.ID: true}}
	s := New(wrapped, WithClock(func() time.Time { return now }))

	err := s.Sweep(ctx)
	if err == nil {
		t.Fatal("expected collected error for the failing session")
	}
	if !strings.Contains(err.Error(), bad.ID) {
		t.Fatalf("error does not identify the failing session: %v", err)
	}

	// The healthy session was still purged.
	if _, err := st.GetSession(ctx, good.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("healthy session not purged: %v", err)
	}
}

func TestRun_SweepsOnInterval(t *testing.T) {
	st := memory.New()
	now := time.Now()
	seedSession(t, st, now.Add(-time.Hour))

	s := New(st,
		WithClock(func() time.Time { return now }),
		WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ids, err := st.ExpiredSessions(context.Background(), now, 10)
		if err != nil {
			t.Fatalf("ExpiredSessions failed: %v", err)
		}
		if len(ids) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	ids, err := st.ExpiredSessions(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ExpiredSessions failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatal("background run never purged the expired session")
	}
}
