package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cordum/jobrelay/core/infra/logging"
)

const backendMemory = "memory"

// MemoryBroker keeps channel queues in process.
type MemoryBroker struct {
	opts   Options
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscriber
	closed bool
}

func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{opts: opts.withDefaults(), subs: make(map[string]map[string]*Subscriber)}
}

func (b *MemoryBroker) Backend() string { return backendMemory }

func (b *MemoryBroker) Publish(_ context.Context, channel string, f Frame) {
	data, err := f.Encode()
	if err != nil {
		logging.Error("bus", "encode frame", "channel", channel, "error", err)
		return
	}
	b.opts.Metrics.IncFramesPublished(backendMemory, f.Kind())
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[channel] {
		sub.offer(data)
	}
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker closed")
	}
	sub := newSubscriber(channel, b.opts.QueueSize, func() { b.opts.Metrics.IncFramesDropped(backendMemory) })
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[string]*Subscriber)
		b.subs[channel] = set
	}
	set[sub.ID] = sub
	return sub, nil
}

func (b *MemoryBroker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.Channel]; ok {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(b.subs, sub.Channel)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Close unregisters every subscriber.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()
	for _, set := range all {
		for _, sub := range set {
			sub.close()
		}
	}
	return nil
}
