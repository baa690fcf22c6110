// Package realtime fans cart mutations out to live subscribers and keeps
// their local views converged with the record store. The store is the
// source of truth; the channel is best-effort, and subscribers reconcile
// by re-fetching the full snapshot after any gap or reconnect.
package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/feastly/cartsync/broker"
	"github.com/feastly/cartsync/cart"
)

// Broadcaster publishes one normalized change event per committed mutation
// on the owning session's topic.
type Broadcaster struct {
	pubsub broker.PubSub
	log    *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the logger.
func WithBroadcasterLogger(log *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = log }
}

func NewBroadcaster(ps broker.PubSub, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{pubsub: ps, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast publishes the activity on its session topic. Failures are
// returned wrapped as cart.ErrChannelUnavailable; callers log them and
// carry on, never rolling back the committed mutation.
func (b *Broadcaster) Broadcast(ctx context.Context, act cart.Activity) error {
	data, err := cart.EncodeEvent(act)
	if err != nil {
		return fmt.Errorf("encode activity %s: %w", act.ID, err)
	}
	if err := b.pubsub.Publish(ctx, cart.TopicForSession(act.SessionID), data); err != nil {
		return fmt.Errorf("%w: publish activity %s: %v", cart.ErrChannelUnavailable, act.ID, err)
	}
	return nil
}
