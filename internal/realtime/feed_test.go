package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisFeedDeliversPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feed := NewRedisFeedWithClient(client)
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan struct{}, 4)
	go feed.Listen(ctx, func() { received <- struct{}{} })

	// Give the subscriber a moment to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := feed.Publish(ctx); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case <-received:
			return
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatalf("no event received before deadline")
			}
		}
	}
}

func TestRedisFeedListenStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feed := NewRedisFeedWithClient(client)
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feed.Listen(ctx, func() {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop after cancel")
	}
}

func TestLocalFeedCoalescesEvents(t *testing.T) {
	feed := NewLocalFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := feed.Publish(ctx); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	received := make(chan struct{}, 8)
	go feed.Listen(ctx, func() { received <- struct{}{} })

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("expected at least one coalesced event")
	}

	select {
	case <-received:
		t.Fatalf("expected publishes before listen to coalesce into one event")
	case <-time.After(100 * time.Millisecond):
	}
}
