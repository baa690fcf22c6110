// Package store defines the record-store contract the cart core consumes.
// A Store persists three record shapes (sessions, line items, activities)
// and guarantees that every item-mutation call is atomic: the line-item
// write and the activity append, including sequence assignment, commit
// together or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/feastly/cartsync/cart"
)

var (
	// ErrSessionNotFound is returned when no session exists for an ID or
	// token. Resume paths treat it as a signal to create a fresh session.
	ErrSessionNotFound = errors.New("store: session not found")

	// ErrItemNotFound is returned by UpdateItem when the item does not
	// belong to the session. RemoveItem reports absence via its found
	// result instead, so concurrent removals stay error-free.
	ErrItemNotFound = errors.New("store: line item not found")
)

// Mutation is the outcome of one atomic item mutation: the resulting line
// item (nil when the mutation removed items) and the activity appended in
// the same logical transaction, with its per-session sequence number
// assigned.
type Mutation struct {
	Item     *cart.LineItem
	Activity cart.Activity
}

// Store is implemented per backend (memory, redis, postgres). All methods
// honor context cancellation; callers bound each call with a timeout.
type Store interface {
	// Session records. CreateSession fails if the token is already in use.
	CreateSession(ctx context.Context, s *cart.Session) error
	GetSession(ctx context.Context, id string) (*cart.Session, error)
	GetSessionByToken(ctx context.Context, token string) (*cart.Session, error)
	// TouchSession slides the expiry window. It is a no-op on a missing
	// session so races with the sweeper never surface as failures.
	TouchSession(ctx context.Context, id string, lastActivity, expiresAt time.Time) error
	// DeactivateSession marks the session inactive. Idempotent.
	DeactivateSession(ctx context.Context, id string) error

	// UpsertItem adds qty to the session's line item for productID,
	// creating it when absent, as one atomic read-modify-write. Two
	// clients racing on the same product must both land their increments.
	// The unit price is refreshed and the line total recomputed. The
	// appended activity is item_added for a new row, item_updated for an
	// increment. Returns ErrSessionNotFound when the session does not
	// exist, so a purged session can never accrete orphan records.
	UpsertItem(ctx context.Context, sessionID, productID string, qty int, unitPrice int64, notes string) (*Mutation, error)

	// UpdateItem sets the absolute quantity and optionally the notes of an
	// existing item, recomputing the line total. Returns ErrItemNotFound
	// when the item does not belong to the session. qty must be >= 1;
	// callers convert non-positive updates into removals.
	UpdateItem(ctx context.Context, sessionID, itemID string, qty int, notes *string) (*Mutation, error)

	// RemoveItem deletes the item. found is false when the item was
	// already absent; no activity is appended in that case.
	RemoveItem(ctx context.Context, sessionID, itemID string) (m *Mutation, found bool, err error)

	// ClearItems deletes every line item of the session and appends a
	// single cart_cleared activity regardless of how many rows it removed.
	// Returns ErrSessionNotFound when the session does not exist.
	ClearItems(ctx context.Context, sessionID string) (*Mutation, error)

	ListItems(ctx context.Context, sessionID string) ([]cart.LineItem, error)
	ListActivities(ctx context.Context, sessionID string) ([]cart.Activity, error)

	// Snapshot returns the materialized cart view together with the
	// highest activity sequence it reflects.
	Snapshot(ctx context.Context, sessionID string) (*cart.Snapshot, error)

	// ExpiredSessions lists up to limit session IDs whose expiry has
	// passed at now, whether or not they are still marked active. A
	// non-positive limit means no bound.
	ExpiredSessions(ctx context.Context, now time.Time, limit int) ([]string, error)

	// PurgeSession deletes the session's line items and activities, then
	// the session itself. Purging an absent session is a no-op so
	// concurrent sweepers never fail on each other.
	PurgeSession(ctx context.Context, sessionID string) error

	Close() error
}
