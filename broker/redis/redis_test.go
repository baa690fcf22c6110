package redis

import (
	"context"
	"testing"

	"github.com/feastly/cartsync/broker"
	"github.com/feastly/cartsync/broker/brokertest"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisPubSub(t *testing.T) {
	// Skip if Redis is not available.
	probe := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	probe.Close()

	brokertest.Run(t, func(t *testing.T) broker.PubSub {
		client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
		t.Cleanup(func() { client.Close() })
		ps, err := New(Config{Client: client, ChannelPrefix: "test:broker:"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return ps
	})
}
