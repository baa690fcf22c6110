// Package brokertest provides a conformance test suite for broker.PubSub
// implementations. Backend packages run it against a factory that yields a
// fresh instance per test.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/feastly/cartsync/broker"
)

// Factory creates a new PubSub instance for testing.
type Factory func(t *testing.T) broker.PubSub

// Run executes the complete pub/sub test suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("DeliversToSubscriber", func(t *testing.T) {
		testDeliversToSubscriber(t, factory)
	})
	t.Run("FansOutToAllSubscribers", func(t *testing.T) {
		testFansOutToAllSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("NoReplayBeforeSubscribe", func(t *testing.T) {
		testNoReplayBeforeSubscribe(t, factory)
	})
	t.Run("CloseStopsDelivery", func(t *testing.T) {
		testCloseStopsDelivery(t, factory)
	})
	t.Run("NextHonorsContext", func(t *testing.T) {
		testNextHonorsContext(t, factory)
	})
	t.Run("PublishWithoutSubscribersSucceeds", func(t *testing.T) {
		testPublishWithoutSubscribers(t, factory)
	})
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testDeliversToSubscriber(t *testing.T, factory Factory) {
	ps := factory(t)
	ctx := testCtx(t)

	stream, err := ps.Subscribe(ctx, "topic-a")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	want := []byte(`{"seq":1}`)
	if err := ps.Publish(ctx, "topic-a", want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func testFansOutToAllSubscribers(t *testing.T, factory Factory) {
	ps := factory(t)
	ctx := testCtx(t)

	const n = 3
	streams := make([]broker.Stream, n)
	for i := range streams {
		s, err := ps.Subscribe(ctx, "fanout")
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer s.Close()
		streams[i] = s
	}

	want := []byte("hello")
	if err := ps.Publish(ctx, "fanout", want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i, s := range streams {
		got, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("subscriber %d Next failed: %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("subscriber %d: expected %s, got %s", i, want, got)
		}
	}
}

func testTopicIsolation(t *testing.T, factory Factory) {
	ps := factory(t)
	ctx := testCtx(t)

	a, err := ps.Subscribe(ctx, "iso-a")
	if err != nil {
		t.Fatalf("Subscribe iso-a failed: %v", err)
	}
	defer a.Close()

	b, err := ps.Subscribe(ctx, "iso-b")
	if err != nil {
		t.Fatalf("Subscribe iso-b failed: %v", err)
	}
	defer b.Close()

	if err := ps.Publish(ctx, "iso-a", []byte("for-a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := ps.Publish(ctx, "iso-b", []byte("for-b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := a.Next(ctx)
	if err != nil {
		t.Fatalf("a.Next failed: %v", err)
	}
	if string(got) != "for-a" {
		t.Fatalf("topic iso-a received %q", got)
	}

	got, err = b.Next(ctx)
	if err != nil {
		t.Fatalf("b.Next failed: %v", err)
	}
	if string(got) != "for-b" {
		t.Fatalf("topic iso-b received %q", got)
	}
}

func testNoReplayBeforeSubscribe(t *testing.T, factory Factory) {
	ps := factory(t)
	ctx := testCtx(t)

	if err := ps.Publish(ctx, "backlog", []byte("early")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	stream, err := ps.Subscribe(ctx, "backlog")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	if err := ps.Publish(ctx, "backlog", []byte("late")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(got) != "late" {
		t.Fatalf("expected only post-subscribe message, got %q", got)
	}
}

func testCloseStopsDelivery(t *testing.T, factory Factory) {
	ps := factory(t)
	ctx := testCtx(t)

	stream, err := ps.Subscribe(ctx, "close-me")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Closing twice is allowed.
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := ps.Publish(ctx, "close-me", []byte("after")); err != nil {
		t.Fatalf("Publish after close failed: %v", err)
	}

	// The stream must drain to EOF (or an error), never to the message
	// published after Close returned.
	nextCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	got, err := stream.Next(nextCtx)
	if err == nil {
		t.Fatalf("expected stream end after Close, got message %q", got)
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected io.EOF or deadline, got %v", err)
	}
}

func testNextHonorsContext(t *testing.T, factory Factory) {
	ps := factory(t)
	ctx := testCtx(t)

	stream, err := ps.Subscribe(ctx, "quiet")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	nextCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := stream.Next(nextCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func testPublishWithoutSubscribers(t *testing.T, factory Factory) {
	ps := factory(t)
	ctx := testCtx(t)

	for i := 0; i < 5; i++ {
		if err := ps.Publish(ctx, "nobody-home", fmt.Appendf(nil, "msg-%d", i)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
}
