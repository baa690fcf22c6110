// Package redis implements broker.PubSub over native Redis Pub/Sub, which
// matches the channel contract exactly: fan-out to attached subscribers,
// no backlog for anyone who was not listening, best-effort ordering.
package redis

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/feastly/cartsync/broker"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed PubSub. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ChannelPrefix namespaces pub/sub channels. ENV: CARTSYNC_CHANNEL_PREFIX
	ChannelPrefix string `env:"CARTSYNC_CHANNEL_PREFIX,default=cartsync:"`

	// Client, when set, is used instead of dialing RedisAddr. The caller
	// retains ownership and Close will not close it.
	Client *redis.Client
}

type PubSub struct {
	client    *redis.Client
	ownClient bool
	prefix    string
}

func New(cfg Config) (*PubSub, error) {
	client := cfg.Client
	own := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		own = true
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	return &PubSub{client: client, ownClient: own, prefix: cfg.ChannelPrefix}, nil
}

// NewFromEnv builds a PubSub using envdecode to populate Config.
func NewFromEnv() (*PubSub, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode broker config: %w", err)
	}
	return New(cfg)
}

// Close releases the Redis client if this PubSub dialed it.
func (p *PubSub) Close() error {
	if p.ownClient {
		return p.client.Close()
	}
	return nil
}

func (p *PubSub) channel(topic string) string { return p.prefix + topic }

// Publish implements broker.PubSub.
func (p *PubSub) Publish(ctx context.Context, topic string, data []byte) error {
	return p.client.Publish(ctx, p.channel(topic), data).Err()
}

// Subscribe implements broker.PubSub.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (broker.Stream, error) {
	sub := p.client.Subscribe(ctx, p.channel(topic))
	// Force the SUBSCRIBE round trip so transport failures surface here
	// rather than on the first Next.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return &stream{sub: sub, ch: sub.Channel()}, nil
}

type stream struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message

	mu     sync.Mutex
	closed bool
}

// Next implements broker.Stream.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements broker.Stream.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Close()
}

// Compile-time interface checks
var (
	_ broker.PubSub = (*PubSub)(nil)
	_ broker.Stream = (*stream)(nil)
)
