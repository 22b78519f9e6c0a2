// Package realtime carries "ideas changed" notifications between API
// replicas. Every confirmed store write publishes one event; every replica
// reacts by reloading the authoritative snapshot into its board.
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const channel = "tablon:ideas:changed"

// Feed is a push channel for change notifications. Events carry no payload;
// the store snapshot is always re-read in full.
type Feed interface {
	// Publish signals that the idea collection changed.
	Publish(ctx context.Context) error
	// Listen invokes onChange for every event until ctx is cancelled.
	Listen(ctx context.Context, onChange func())
	Close() error
}

// RedisFeed implements Feed over Redis pub/sub, so a change made through any
// replica reaches all of them.
type RedisFeed struct {
	client *redis.Client
}

func NewRedisFeed(redisURL string) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisFeed{client: client}, nil
}

// NewRedisFeedWithClient creates a feed from an existing client.
func NewRedisFeedWithClient(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func (f *RedisFeed) Publish(ctx context.Context) error {
	if err := f.client.Publish(ctx, channel, "changed").Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (f *RedisFeed) Listen(ctx context.Context, onChange func()) {
	pubsub := f.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	events := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			onChange()
		}
	}
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

// LocalFeed is the single-process fallback when Redis is not configured.
// Events are coalesced: a pending undelivered event absorbs new publishes.
type LocalFeed struct {
	events chan struct{}
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{events: make(chan struct{}, 1)}
}

func (f *LocalFeed) Publish(context.Context) error {
	select {
	case f.events <- struct{}{}:
	default:
	}
	return nil
}

func (f *LocalFeed) Listen(ctx context.Context, onChange func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.events:
			onChange()
		}
	}
}

func (f *LocalFeed) Close() error {
	return nil
}
