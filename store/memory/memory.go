// Package memory provides an in-memory implementation of the store.Store
// interface. A single mutex makes every call atomic, which is exactly the
// per-call transaction the contract requires. Suitable for tests and
// single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/store"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	sessions  map[string]*cart.Session            // session ID -> session
	tokens    map[string]string                   // token -> session ID
	items     map[string]map[string]*cart.LineItem // session ID -> item ID -> item
	byProduct map[string]map[string]string        // session ID -> product ID -> item ID
	log       map[string][]cart.Activity          // session ID -> activities in seq order
	seqs      map[string]uint64                   // session ID -> last assigned seq

	now func() time.Time
}

// Option configures the memory store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		sessions:  make(map[string]*cart.Session),
		tokens:    make(map[string]string),
		items:     make(map[string]map[string]*cart.LineItem),
		byProduct: make(map[string]map[string]string),
		log:       make(map[string][]cart.Activity),
		seqs:      make(map[string]uint64),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateSession(ctx context.Context, sess *cart.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.tokens[sess.Token]; taken {
		return fmt.Errorf("memory: session token already in use")
	}
	cp := *sess
	s.sessions[cp.ID] = &cp
	s.tokens[cp.Token] = cp.ID
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*cart.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocked(id)
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (*cart.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return s.sessionLocked(id)
}

func (s *Store) sessionLocked(id string) (*cart.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil // lost the race with a purge; not an error
	}
	sess.LastActivityAt = lastActivity
	sess.ExpiresAt = expiresAt
	return nil
}

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.Active = false
	}
	return nil
}

func (s *Store) UpsertItem(ctx context.Context, sessionID, productID string, qty int, unitPrice int64, notes string) (*store.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		// No orphan records: items and activities must hang off a live
		// session or the sweeper can never reclaim them.
		return nil, store.ErrSessionNotFound
	}

	now := s.now()
	items, ok := s.items[sessionID]
	if !ok {
		items = make(map[string]*cart.LineItem)
		s.items[sessionID] = items
	}
	products, ok := s.byProduct[sessionID]
	if !ok {
		products = make(map[string]string)
		s.byProduct[sessionID] = products
	}

	if itemID, exists := products[productID]; exists {
		item := items[itemID]
		prev := item.Quantity
		item.Quantity += qty
		item.UnitPrice = unitPrice
		item.LineTotal = int64(item.Quantity) * unitPrice
		if notes != "" {
			item.Notes = notes
		}
		item.UpdatedAt = now

		act := s.appendLocked(cart.Activity{
			SessionID:        sessionID,
			Type:             cart.ItemUpdated,
			ItemID:           item.ID,
			ProductID:        productID,
			PreviousQuantity: prev,
			NewQuantity:      item.Quantity,
			UnitPrice:        unitPrice,
			Timestamp:        now,
		})
		cp := *item
		return &store.Mutation{Item: &cp, Activity: act}, nil
	}

	item := &cart.LineItem{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ProductID: productID,
		Quantity:  qty,
		UnitPrice: unitPrice,
		LineTotal: int64(qty) * unitPrice,
		Notes:     notes,
		AddedAt:   now,
		UpdatedAt: now,
	}
	items[item.ID] = item
	products[productID] = item.ID

	act := s.appendLocked(cart.Activity{
		SessionID:   sessionID,
		Type:        cart.ItemAdded,
		ItemID:      item.ID,
		ProductID:   productID,
		NewQuantity: qty,
		UnitPrice:   unitPrice,
		Timestamp:   now,
	})
	cp := *item
	return &store.Mutation{Item: &cp, Activity: act}, nil
}

func (s *Store) UpdateItem(ctx context.Context, sessionID, itemID string, qty int, notes *string) (*store.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[sessionID][itemID]
	if !ok {
		return nil, store.ErrItemNotFound
	}

	now := s.now()
	prev := item.Quantity
	item.Quantity = qty
	item.LineTotal = int64(qty) * item.UnitPrice
	if notes != nil {
		item.Notes = *notes
	}
	item.UpdatedAt = now

	act := s.appendLocked(cart.Activity{
		SessionID:        sessionID,
		Type:             cart.ItemUpdated,
		ItemID:           itemID,
		ProductID:        item.ProductID,
		PreviousQuantity: prev,
		NewQuantity:      qty,
		UnitPrice:        item.UnitPrice,
		Timestamp:        now,
	})
	cp := *item
	return &store.Mutation{Item: &cp, Activity: act}, nil
}

func (s *Store) RemoveItem(ctx context.Context, sessionID, itemID string) (*store.Mutation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[sessionID][itemID]
	if !ok {
		return nil, false, nil
	}

	delete(s.items[sessionID], itemID)
	delete(s.byProduct[sessionID], item.ProductID)

	act := s.appendLocked(cart.Activity{
		SessionID:        sessionID,
		Type:             cart.ItemRemoved,
		ItemID:           itemID,
		ProductID:        item.ProductID,
		PreviousQuantity: item.Quantity,
		Timestamp:        s.now(),
	})
	return &store.Mutation{Activity: act}, true, nil
}

func (s *Store) ClearItems(ctx context.Context, sessionID string) (*store.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, store.ErrSessionNotFound
	}

	prev := 0
	for _, item := range s.items[sessionID] {
		prev += item.Quantity
	}
	delete(s.items, sessionID)
	delete(s.byProduct, sessionID)

	act := s.appendLocked(cart.Activity{
		SessionID:        sessionID,
		Type:             cart.CartCleared,
		PreviousQuantity: prev,
		Timestamp:        s.now(),
	})
	return &store.Mutation{Activity: act}, nil
}

func (s *Store) ListItems(ctx context.Context, sessionID string) ([]cart.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listItemsLocked(sessionID), nil
}

func (s *Store) listItemsLocked(sessionID string) []cart.LineItem {
	items := make([]cart.LineItem, 0, len(s.items[sessionID]))
	for _, item := range s.items[sessionID] {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
	return items
}

func (s *Store) ListActivities(ctx context.Context, sessionID string) ([]cart.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]cart.Activity, len(s.log[sessionID]))
	copy(out, s.log[sessionID])
	return out, nil
}

func (s *Store) Snapshot(ctx context.Context, sessionID string) (*cart.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cart.NewSnapshot(sessionID, s.seqs[sessionID], s.listItemsLocked(sessionID)), nil
}

func (s *Store) ExpiredSessions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Children before parent.
	delete(s.items, sessionID)
	delete(s.byProduct, sessionID)
	delete(s.log, sessionID)
	delete(s.seqs, sessionID)
	if sess, ok := s.sessions[sessionID]; ok {
		delete(s.tokens, sess.Token)
		delete(s.sessions, sessionID)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// appendLocked assigns the next per-session sequence number and records
// the activity. Caller holds s.mu, which is what makes the item write and
// the append one transaction.
func (s *Store) appendLocked(act cart.Activity) cart.Activity {
	s.seqs[act.SessionID]++
	act.ID = uuid.NewString()
	act.Seq = s.seqs[act.SessionID]
	s.log[act.SessionID] = append(s.log[act.SessionID], act)
	return act
}

var _ store.Store = (*Store)(nil)
