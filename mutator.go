package cartsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/catalog"
	"github.com/feastly/cartsync/internal/logctx"
	"github.com/feastly/cartsync/realtime"
	"github.com/feastly/cartsync/session"
	"github.com/feastly/cartsync/store"
)

// Mutator applies cart mutations with validation and idempotency. It is
// the only writer of line items and activities. Every successful mutation
// runs the same pipeline: atomic store write with activity append, session
// touch, then broadcast. A failure in the store write aborts before
// anything becomes visible to other clients; a failure in the broadcast is
// logged and absorbed, because the store is authoritative and subscribers
// reconcile on reconnect.
type Mutator struct {
	store       store.Store
	catalog     catalog.Catalog
	sessions    *session.Manager
	broadcaster *realtime.Broadcaster
	timeout     time.Duration
	log         *slog.Logger
}

const defaultMutationTimeout = 10 * time.Second

func newMutator(st store.Store, cat catalog.Catalog, mgr *session.Manager, b *realtime.Broadcaster, timeout time.Duration, log *slog.Logger) *Mutator {
	if timeout <= 0 {
		timeout = defaultMutationTimeout
	}
	return &Mutator{
		store:       st,
		catalog:     cat,
		sessions:    mgr,
		broadcaster: b,
		timeout:     timeout,
		log:         log,
	}
}

// AddItem adds qty of productID to the session's cart, incrementing the
// existing line item in place when the product is already present. The
// unit price always comes from the catalog at call time; clients cannot
// supply one.
func (m *Mutator) AddItem(ctx context.Context, sessionID, productID string, qty int, notes string) (*cart.LineItem, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: got %d", cart.ErrInvalidQuantity, qty)
	}
	if len(notes) > cart.MaxNotesLen {
		return nil, fmt.Errorf("%w: %d bytes", cart.ErrInvalidNotes, len(notes))
	}

	ctx = logctx.WithMutationData(ctx, &logctx.MutationData{Op: "add_item", ProductID: productID})
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	p, err := m.catalog.Lookup(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", cart.ErrInvalidProduct, productID)
		}
		return nil, fmt.Errorf("%w: catalog lookup: %v", cart.ErrStoreUnavailable, err)
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", cart.ErrInvalidProduct, productID)
	}

	mut, err := m.store.UpsertItem(ctx, sessionID, productID, qty, p.Price, notes)
	if err != nil {
		return nil, classifyStoreErr("add item", err)
	}

	m.finish(ctx, sessionID, mut.Activity)
	return mut.Item, nil
}

// UpdateItem sets the absolute quantity (and optionally notes) of an
// existing item. A non-positive quantity is, by policy, a removal rather
// than an error; the returned item is nil in that case.
func (m *Mutator) UpdateItem(ctx context.Context, sessionID, itemID string, qty int, notes *string) (*cart.LineItem, error) {
	if notes != nil && len(*notes) > cart.MaxNotesLen {
		return nil, fmt.Errorf("%w: %d bytes", cart.ErrInvalidNotes, len(*notes))
	}
	if qty <= 0 {
		return nil, m.RemoveItem(ctx, sessionID, itemID)
	}

	ctx = logctx.WithMutationData(ctx, &logctx.MutationData{Op: "update_item", ItemID: itemID})
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	mut, err := m.store.UpdateItem(ctx, sessionID, itemID, qty, notes)
	if err != nil {
		return nil, classifyStoreErr("update item", err)
	}

	m.finish(ctx, sessionID, mut.Activity)
	return mut.Item, nil
}

// RemoveItem deletes the item. Removing an already-absent item is a no-op
// success: two tabs racing on the same delete must not surface an error to
// either user.
func (m *Mutator) RemoveItem(ctx context.Context, sessionID, itemID string) error {
	ctx = logctx.WithMutationData(ctx, &logctx.MutationData{Op: "remove_item", ItemID: itemID})
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	mut, found, err := m.store.RemoveItem(ctx, sessionID, itemID)
	if err != nil {
		return classifyStoreErr("remove item", err)
	}
	if !found {
		return nil
	}

	m.finish(ctx, sessionID, mut.Activity)
	return nil
}

// ClearCart deletes every item in the session in one operation, emitting a
// single cart_cleared event to keep broadcast volume bounded.
func (m *Mutator) ClearCart(ctx context.Context, sessionID string) error {
	ctx = logctx.WithMutationData(ctx, &logctx.MutationData{Op: "clear_cart"})
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	mut, err := m.store.ClearItems(ctx, sessionID)
	if err != nil {
		return classifyStoreErr("clear cart", err)
	}

	m.finish(ctx, sessionID, mut.Activity)
	return nil
}

// finish runs the post-commit steps of a mutation: slide the session
// expiry, then broadcast. The mutation is already durable, so neither step
// may fail the call; both run on a detached context so a caller timeout
// between commit and fan-out cannot suppress them.
func (m *Mutator) finish(ctx context.Context, sessionID string, act cart.Activity) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	if err := m.sessions.Touch(ctx, sessionID); err != nil {
		m.log.WarnContext(ctx, "failed to slide session expiry", slog.Any("error", err))
	}
	if err := m.broadcaster.Broadcast(ctx, act); err != nil {
		m.log.WarnContext(ctx, "failed to broadcast cart activity",
			slog.String("activity_id", act.ID), slog.Any("error", err))
	}
}

// classifyStoreErr keeps the validation sentinels and wraps everything
// else as a retryable transport failure.
func classifyStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		return fmt.Errorf("%s: %w", op, cart.ErrNotFound)
	case errors.Is(err, store.ErrSessionNotFound):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, cart.ErrStoreUnavailable, err)
	}
}
