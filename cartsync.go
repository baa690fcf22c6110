// Package cartsync keeps session-scoped shopping carts consistent across
// browser tabs, devices and reconnect cycles. Mutations are validated and
// written atomically to a pluggable record store, recorded in an
// append-only activity log, and fanned out to live subscribers over a
// pluggable pub/sub channel. The store is the source of truth; the channel
// is best-effort, and subscribers reconcile from the store after any gap
// or reconnect.
package cartsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/feastly/cartsync/broker"
	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/catalog"
	"github.com/feastly/cartsync/internal/logctx"
	"github.com/feastly/cartsync/realtime"
	"github.com/feastly/cartsync/session"
	"github.com/feastly/cartsync/store"
	"golang.org/x/sync/singleflight"
)

// SessionHandle is what a client holds to operate on its cart. Token is
// the opaque resume credential: persist it client-side (e.g. browser
// storage), never log it and never embed it in URLs.
type SessionHandle struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Client is the façade over the cart core. All dependencies are injected;
// the caller owns their lifecycle.
type Client struct {
	store       store.Store
	pubsub      broker.PubSub
	sessions    *session.Manager
	mutator     *Mutator
	broadcaster *realtime.Broadcaster
	log         *slog.Logger

	snapshots singleflight.Group
}

type options struct {
	ttl             time.Duration
	mutationTimeout time.Duration
	clock           func() time.Time
	log             *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithSessionTTL overrides the sliding session expiry (default 24h).
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithMutationTimeout bounds every mutation call against the record store.
// On timeout the operation is reported as failed and is not retried; the
// caller decides whether to retry.
func WithMutationTimeout(d time.Duration) Option {
	return func(o *options) { o.mutationTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithLogger sets the logger. It is wrapped with logctx.Handler so records
// carry session and mutation attributes.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New assembles a Client from its collaborators.
func New(st store.Store, ps broker.PubSub, cat catalog.Catalog, opts ...Option) (*Client, error) {
	if st == nil {
		return nil, errors.New("cartsync: store is required")
	}
	if ps == nil {
		return nil, errors.New("cartsync: pub/sub channel is required")
	}
	if cat == nil {
		return nil, errors.New("cartsync: catalog is required")
	}

	o := &options{
		ttl:   cart.DefaultTTL,
		clock: time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	log := slog.New(logctx.Handler{Handler: o.log.Handler()})

	mgr := session.NewManager(st,
		session.WithTTL(o.ttl),
		session.WithClock(o.clock),
		session.WithLogger(log))
	bcast := realtime.NewBroadcaster(ps, realtime.WithBroadcasterLogger(log))

	return &Client{
		store:       st,
		pubsub:      ps,
		sessions:    mgr,
		mutator:     newMutator(st, cat, mgr, bcast, o.mutationTimeout, log),
		broadcaster: bcast,
		log:         log,
	}, nil
}

// GetOrCreateSession resumes the session identified by token, or creates a
// fresh one when the token is empty, unknown or stale. A stale token is
// never an error.
func (c *Client) GetOrCreateSession(ctx context.Context, token string) (SessionHandle, error) {
	sess, err := c.sessions.CreateOrResume(ctx, token)
	if err != nil {
		return SessionHandle{}, err
	}
	return SessionHandle{ID: sess.ID, Token: sess.Token}, nil
}

// AddItem adds qty of productID to the cart, merging into an existing line
// item for the same product. qty defaults are the caller's concern; it
// must be >= 1.
func (c *Client) AddItem(ctx context.Context, h SessionHandle, productID string, qty int, notes string) (*cart.LineItem, error) {
	return c.mutator.AddItem(c.sessionCtx(ctx, h), h.ID, productID, qty, notes)
}

// UpdateItem sets the absolute quantity (and optionally notes) of a line
// item. A non-positive quantity removes the item and returns a nil item.
func (c *Client) UpdateItem(ctx context.Context, h SessionHandle, itemID string, qty int, notes *string) (*cart.LineItem, error) {
	return c.mutator.UpdateItem(c.sessionCtx(ctx, h), h.ID, itemID, qty, notes)
}

// RemoveItem deletes a line item. Removing an absent item succeeds.
func (c *Client) RemoveItem(ctx context.Context, h SessionHandle, itemID string) error {
	return c.mutator.RemoveItem(c.sessionCtx(ctx, h), h.ID, itemID)
}

// ClearCart removes every line item in one operation.
func (c *Client) ClearCart(ctx context.Context, h SessionHandle) error {
	return c.mutator.ClearCart(c.sessionCtx(ctx, h), h.ID)
}

// GetSnapshot returns the authoritative cart view. Concurrent calls for
// the same session are coalesced into a single store read.
func (c *Client) GetSnapshot(ctx context.Context, h SessionHandle) (*cart.Snapshot, error) {
	v, err, _ := c.snapshots.Do(h.ID, func() (interface{}, error) {
		snap, err := c.store.Snapshot(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot: %v", cart.ErrStoreUnavailable, err)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cart.Snapshot), nil
}

// Activities returns the session's append-only audit trail in sequence
// order.
func (c *Client) Activities(ctx context.Context, h SessionHandle) ([]cart.Activity, error) {
	acts, err := c.store.ListActivities(ctx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list activities: %v", cart.ErrStoreUnavailable, err)
	}
	return acts, nil
}

// Subscribe attaches onChange to the session's live change feed. The
// handler receives the reconciled view after every applied event; onState,
// when non-nil, observes connection-state transitions so the caller can
// surface degraded sync without blocking cart interaction. The returned
// function detaches the subscription; no callback fires after it returns.
func (c *Client) Subscribe(ctx context.Context, h SessionHandle, onChange realtime.ChangeHandler, subOpts ...realtime.SubscriberOption) (func(), error) {
	if onChange == nil {
		return nil, errors.New("cartsync: onChange handler is required")
	}

	opts := append([]realtime.SubscriberOption{
		realtime.WithSubscriberLogger(c.log),
	}, subOpts...)

	sub := realtime.NewSubscriber(c.pubsub, h.ID, func(ctx context.Context) (*cart.Snapshot, error) {
		return c.GetSnapshot(ctx, h)
	}, onChange, opts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer cancel()
		_ = sub.Run(runCtx)
	}()

	return func() {
		cancel()
		sub.Close()
	}, nil
}

// Checkout finalizes the cart: it returns the closing snapshot and
// deactivates the session so the token cannot resume it. The caller hands
// the snapshot to order submission, which is outside this core.
func (c *Client) Checkout(ctx context.Context, h SessionHandle) (*cart.Snapshot, error) {
	snap, err := c.GetSnapshot(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.Expire(ctx, h.ID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) sessionCtx(ctx context.Context, h SessionHandle) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: h.ID})
}
