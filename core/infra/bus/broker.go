// Package bus fans job frames out to streaming subscribers over an in-process,
// Redis or NATS backend. Publish never blocks on a slow consumer: a full
// subscriber queue drops the frame.
package bus

import (
	"context"
	"fmt"

	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/cordum/jobrelay/core/infra/metrics"
	"github.com/cordum/jobrelay/core/infra/redisutil"
)

const defaultQueueSize = 256

// Broker is the publish/subscribe contract shared by every backend.
type Broker interface {
	// Publish is fire-and-forget; failures are logged, never returned.
	Publish(ctx context.Context, channel string, f Frame)
	Subscribe(ctx context.Context, channel string) (*Subscriber, error)
	Unsubscribe(sub *Subscriber)
	Backend() string
	Close() error
}

// Options tune subscriber queues and metrics for every backend.
type Options struct {
	QueueSize int
	Metrics   metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}
	return o
}

// New builds the broker selected by cfg.Broker.
func New(ctx context.Context, cfg *config.Config, m metrics.Metrics) (Broker, error) {
	opts := Options{QueueSize: cfg.SubscriberQueue, Metrics: m}
	switch cfg.Broker {
	case "", config.BrokerMemory:
		return NewMemoryBroker(opts), nil
	case config.BrokerRedis:
		client, err := redisutil.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisBroker(client, opts), nil
	case config.BrokerNATS:
		return NewNatsBroker(cfg.NatsURL, opts)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// PublishJobFrame publishes f for a job. Non-terminal frames go to their kind
// channel and the unfiltered channel; terminal frames go to every channel of
// the job so each subscriber sees the end of stream.
func PublishJobFrame(ctx context.Context, b Broker, jobID string, f Frame) {
	if f.Terminal() {
		b.Publish(ctx, Channel(jobID, ""), f)
		for _, kind := range StreamKinds {
			b.Publish(ctx, Channel(jobID, kind), f)
		}
		return
	}
	kind := f.Kind()
	if !IsStreamKind(kind) {
		logging.Warn("bus", "frame without stream kind ignored", "job_id", jobID)
		return
	}
	b.Publish(ctx, Channel(jobID, kind), f)
	b.Publish(ctx, Channel(jobID, ""), f)
}
