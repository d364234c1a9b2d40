package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/nats-io/nats.go"
)

const (
	backendNATS  = "nats"
	flushTimeout = 2 * time.Second
)

// NatsBroker publishes on core NATS subjects named after the job channels.
type NatsBroker struct {
	nc   *nats.Conn
	opts Options

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewNatsBroker dials NATS at the provided URL.
func NewNatsBroker(url string, opts Options) (*NatsBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("jobrelay-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsBroker{nc: nc, opts: opts.withDefaults(), subs: make(map[string]*Subscriber)}, nil
}

func (b *NatsBroker) Backend() string { return backendNATS }

func (b *NatsBroker) Publish(_ context.Context, channel string, f Frame) {
	data, err := f.Encode()
	if err != nil {
		logging.Error("bus", "encode frame", "channel", channel, "error", err)
		return
	}
	if err := b.nc.Publish(channel, data); err != nil {
		logging.Error("bus", "nats publish failed", "channel", channel, "error", err)
		return
	}
	b.opts.Metrics.IncFramesPublished(backendNATS, f.Kind())
}

func (b *NatsBroker) Subscribe(_ context.Context, channel string) (*Subscriber, error) {
	sub := newSubscriber(channel, b.opts.QueueSize, func() { b.opts.Metrics.IncFramesDropped(backendNATS) })
	ns, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		sub.offer(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	sub.stop = func() { _ = ns.Unsubscribe() }

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *NatsBroker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.close()
}

func (b *NatsBroker) Close() error {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
	b.nc.Close()
	return nil
}
