package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// RedisBroker publishes over Redis pub/sub. Each subscriber owns a Redis
// subscription and a goroutine that mirrors messages into its local queue.
type RedisBroker struct {
	client redis.UniversalClient
	opts   Options

	mu   sync.Mutex
	subs map[string]*Subscriber
}

func NewRedisBroker(client redis.UniversalClient, opts Options) *RedisBroker {
	return &RedisBroker{client: client, opts: opts.withDefaults(), subs: make(map[string]*Subscriber)}
}

func (b *RedisBroker) Backend() string { return backendRedis }

func (b *RedisBroker) Publish(ctx context.Context, channel string, f Frame) {
	data, err := f.Encode()
	if err != nil {
		logging.Error("bus", "encode frame", "channel", channel, "error", err)
		return
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		logging.Error("bus", "redis publish failed", "channel", channel, "error", err)
		return
	}
	b.opts.Metrics.IncFramesPublished(backendRedis, f.Kind())
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (*Subscriber, error) {
	ps := b.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so no frame published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	sub := newSubscriber(channel, b.opts.QueueSize, func() { b.opts.Metrics.IncFramesDropped(backendRedis) })
	sub.stop = func() { _ = ps.Close() }

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			sub.offer([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

func (b *RedisBroker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.close()
}

// Close drops every subscription and the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
	return b.client.Close()
}
