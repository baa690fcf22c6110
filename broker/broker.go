// Package broker defines the publish/subscribe channel the cart core uses
// to fan change events out to subscribers. The channel is best-effort:
// delivery is at-least-once while a subscriber is attached, there is no
// durable backlog, and ordering is only approximate. Subscribers compensate
// by filtering on sequence numbers and re-fetching the full cart state
// after any gap or reconnect.
package broker

import "context"

// PubSub is the channel contract. One topic carries one session's events.
type PubSub interface {
	// Publish broadcasts data to every stream currently subscribed to the
	// topic. Publishing to a topic with no subscribers is not an error;
	// the message is simply dropped.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe attaches a new stream to the topic, receiving messages
	// published after the call. There is no replay of earlier messages.
	Subscribe(ctx context.Context, topic string) (Stream, error)
}

// Stream is a single subscriber's view of a topic. Safe for use by one
// consumer goroutine.
type Stream interface {
	// Next blocks until a message arrives or ctx is cancelled. It returns
	// io.EOF once the stream is closed and drained.
	Next(ctx context.Context) ([]byte, error)

	// Close tears the subscription down. No message is delivered after
	// Close returns.
	Close() error
}
