package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feastly/cartsync/broker"
	"github.com/feastly/cartsync/cart"
)

// ConnState is the subscriber's connection state, surfaced to callers so a
// UI can present "changes may not sync live" instead of blocking cart
// interaction.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// SnapshotFunc re-fetches the authoritative cart state from the record
// store. It is invoked on every (re)connect and whenever a sequence gap is
// observed: events missed while detached are never replayed by the channel.
type SnapshotFunc func(ctx context.Context) (*cart.Snapshot, error)

// ChangeHandler receives the reconciled local view after each applied
// change. The snapshot is owned by the callee.
type ChangeHandler func(view *cart.Snapshot)

// StateHandler observes connection-state transitions.
type StateHandler func(state ConnState)

// Subscriber maintains a local replica of one session's cart from the
// event stream. Events are applied idempotently: anything at or below the
// highest applied sequence is discarded, so duplicates and reordering from
// the at-least-once channel cannot corrupt the view.
type Subscriber struct {
	pubsub    broker.PubSub
	sessionID string
	fetch     SnapshotFunc
	onChange  ChangeHandler
	onState   StateHandler
	minWait   time.Duration
	maxWait   time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	items   map[string]cart.LineItem
	lastSeq uint64
	state   ConnState

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.minWait = min
		s.maxWait = max
	}
}

// WithStateHandler registers a connection-state observer.
func WithStateHandler(h StateHandler) SubscriberOption {
	return func(s *Subscriber) { s.onState = h }
}

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(log *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.log = log }
}

func NewSubscriber(ps broker.PubSub, sessionID string, fetch SnapshotFunc, onChange ChangeHandler, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		pubsub:    ps,
		sessionID: sessionID,
		fetch:     fetch,
		onChange:  onChange,
		minWait:   defaultMinBackoff,
		maxWait:   defaultMaxBackoff,
		log:       slog.Default(),
		items:     make(map[string]cart.LineItem),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current connection state.
func (s *Subscriber) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the current local replica.
func (s *Subscriber) View() *cart.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Run drives the subscription until ctx is cancelled or Close is called.
// All callbacks fire from this goroutine; once Run returns, no further
// callback fires.
func (s *Subscriber) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.setState(StateClosed)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	wait := s.minWait
	for {
		s.setState(StateConnecting)

		stream, err := s.pubsub.Subscribe(ctx, cart.TopicForSession(s.sessionID))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WarnContext(ctx, "cart sync subscribe failed",
				slog.String("session_id", s.sessionID), slog.Any("error", err))
			s.setState(StateDisconnected)
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
			wait = nextBackoff(wait, s.maxWait)
			continue
		}

		// Reconcile before trusting the live stream: anything missed
		// while detached exists only in the store.
		if err := s.reconcile(ctx, 0); err != nil {
			_ = stream.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WarnContext(ctx, "cart sync reconcile failed",
				slog.String("session_id", s.sessionID), slog.Any("error", err))
			s.setState(StateDisconnected)
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
			wait = nextBackoff(wait, s.maxWait)
			continue
		}

		s.setState(StateConnected)
		wait = s.minWait

		err = s.consume(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.WarnContext(ctx, "cart sync stream lost",
			slog.String("session_id", s.sessionID), slog.Any("error", err))
		s.setState(StateDisconnected)
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
		wait = nextBackoff(wait, s.maxWait)
	}
}

// Close tears the subscription down. No callback fires after Close
// returns.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}

func (s *Subscriber) consume(ctx context.Context, stream broker.Stream) error {
	for {
		data, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		act, err := cart.DecodeEvent(data)
		if err != nil {
			// Malformed messages are rejected at the boundary.
			s.log.WarnContext(ctx, "dropping malformed cart event", slog.Any("error", err))
			continue
		}
		if act.SessionID != s.sessionID {
			continue
		}
		if gap := s.apply(act); gap {
			// A sequence gap means a dropped message; the store has the
			// truth.
			if err := s.reconcile(ctx, act.Seq); err != nil {
				return err
			}
		}
	}
}

// apply folds one event into the local view. Returns true when a sequence
// gap was detected and a snapshot re-fetch is needed.
func (s *Subscriber) apply(act cart.Activity) bool {
	s.mu.Lock()

	if act.Seq <= s.lastSeq {
		// Duplicate or stale delivery; already reflected.
		s.mu.Unlock()
		return false
	}
	if act.Seq > s.lastSeq+1 {
		s.mu.Unlock()
		return true
	}

	switch act.Type {
	case cart.ItemAdded, cart.ItemUpdated:
		item := s.items[act.ItemID]
		item.ID = act.ItemID
		item.SessionID = act.SessionID
		item.ProductID = act.ProductID
		item.Quantity = act.NewQuantity
		item.UnitPrice = act.UnitPrice
		item.LineTotal = int64(act.NewQuantity) * act.UnitPrice
		item.UpdatedAt = act.Timestamp
		if item.AddedAt.IsZero() {
			item.AddedAt = act.Timestamp
		}
		s.items[act.ItemID] = item
	case cart.ItemRemoved:
		delete(s.items, act.ItemID)
	case cart.CartCleared:
		s.items = make(map[string]cart.LineItem)
	}
	s.lastSeq = act.Seq
	view := s.viewLocked()
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(view)
	}
	return false
}

// staleSnapshotRetries bounds how often a gap-triggered reconcile will
// re-fetch before giving up and letting the run loop reconnect.
const staleSnapshotRetries = 3

// reconcile replaces the local view with the store's authoritative state.
// atLeastSeq guards against a stale snapshot racing the event that
// triggered the re-fetch: a snapshot older than the gap event must not be
// accepted, or the missed events would be discarded as duplicates on
// redelivery. The store assigns seq before publishing, so a fresh read is
// always at or past the gap.
func (s *Subscriber) reconcile(ctx context.Context, atLeastSeq uint64) error {
	snap, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	for attempt := 0; snap.Seq < atLeastSeq; attempt++ {
		if attempt == staleSnapshotRetries {
			return fmt.Errorf("realtime: snapshot for session %s stuck at seq %d, need at least %d", s.sessionID, snap.Seq, atLeastSeq)
		}
		if err := s.sleep(ctx, 10*time.Millisecond); err != nil {
			return err
		}
		snap, err = s.fetch(ctx)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.items = make(map[string]cart.LineItem, len(snap.Items))
	for _, it := range snap.Items {
		s.items[it.ID] = it
	}
	s.lastSeq = snap.Seq
	view := s.viewLocked()
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(view)
	}
	return nil
}

func (s *Subscriber) viewLocked() *cart.Snapshot {
	items := make([]cart.LineItem, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	return cart.NewSnapshot(s.sessionID, s.lastSeq, items)
}

func (s *Subscriber) setState(state ConnState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
