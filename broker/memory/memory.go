// Package memory provides an in-memory implementation of the broker.PubSub
// interface using Go channels for delivery. Suitable for single-node
// deployments and tests; state is local to the process.
package memory

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/feastly/cartsync/broker"
)

// PubSub implements broker.PubSub with per-topic subscriber sets. A slow
// subscriber whose buffer fills simply misses messages, matching the
// channel contract's best-effort semantics.
type PubSub struct {
	mu     sync.Mutex
	topics map[string]map[*stream]struct{}
}

type stream struct {
	ps     *PubSub
	topic  string
	ch     chan []byte
	closed atomic.Bool
}

// New creates a memory pub/sub instance.
func New() *PubSub {
	return &PubSub{topics: make(map[string]map[*stream]struct{})}
}

// Publish implements broker.PubSub.
func (p *PubSub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy so callers can reuse their buffer after Publish returns.
	msg := make([]byte, len(data))
	copy(msg, data)

	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.topics[topic] {
		select {
		case s.ch <- msg:
		default:
			// Subscriber buffer full; drop. The subscriber detects the
			// gap via sequence numbers and re-fetches the snapshot.
		}
	}
	return nil
}

// Subscribe implements broker.PubSub.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (broker.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &stream{
		ps:    p,
		topic: topic,
		ch:    make(chan []byte, 64),
	}

	p.mu.Lock()
	subs, ok := p.topics[topic]
	if !ok {
		subs = make(map[*stream]struct{})
		p.topics[topic] = subs
	}
	subs[s] = struct{}{}
	p.mu.Unlock()

	return s, nil
}

// Next implements broker.Stream.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements broker.Stream. After Close returns the stream is
// detached and no further message is delivered.
func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.ps.mu.Lock()
		delete(s.ps.topics[s.topic], s)
		if len(s.ps.topics[s.topic]) == 0 {
			delete(s.ps.topics, s.topic)
		}
		s.ps.mu.Unlock()
		close(s.ch)
	}
	return nil
}

// Compile-time interface checks
var (
	_ broker.PubSub = (*PubSub)(nil)
	_ broker.Stream = (*stream)(nil)
)
