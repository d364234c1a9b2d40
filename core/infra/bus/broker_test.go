package bus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/redis/go-redis/v9"
)

type countingMetrics struct {
	published atomic.Int64
	dropped   atomic.Int64
}

func (m *countingMetrics) IncJobsSubmitted(string, string)    {}
func (m *countingMetrics) IncJobsCompleted(string, string)    {}
func (m *countingMetrics) ObserveJobDuration(string, float64) {}
func (m *countingMetrics) AddStreamClients(float64)           {}
func (m *countingMetrics) IncFramesPublished(string, string) {
	m.published.Add(1)
}
func (m *countingMetrics) IncFramesDropped(string) {
	m.dropped.Add(1)
}

func brokers(t *testing.T, opts Options) map[string]Broker {
	t.Helper()
	srv := miniredis.RunT(t)
	rb := NewRedisBroker(redis.NewClient(&redis.Options{Addr: srv.Addr()}), opts)
	mb := NewMemoryBroker(opts)
	t.Cleanup(func() {
		_ = rb.Close()
		_ = mb.Close()
	})
	out := map[string]Broker{"memory": mb, "redis": rb}
	if url := os.Getenv("JOBRELAY_TEST_NATS_URL"); url != "" {
		nb, err := NewNatsBroker(url, opts)
		if err != nil {
			t.Fatalf("nats: %v", err)
		}
		t.Cleanup(func() { _ = nb.Close() })
		out["nats"] = nb
	}
	return out
}

func recv(t *testing.T, sub *Subscriber) Frame {
	t.Helper()
	select {
	case data, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscriber closed")
		}
		f, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame on %s", sub.Channel)
	}
	return Frame{}
}

func expectNothing(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case data := <-sub.C():
		t.Fatalf("unexpected frame on %s: %s", sub.Channel, data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerFanOutInOrder(t *testing.T) {
	ctx := context.Background()
	for name, b := range brokers(t, Options{QueueSize: 16}) {
		ch := Channel("job-a", KindStdout)
		s1, err := b.Subscribe(ctx, ch)
		if err != nil {
			t.Fatalf("%s: subscribe: %v", name, err)
		}
		s2, _ := b.Subscribe(ctx, ch)
		for _, line := range []string{"one", "two", "three"} {
			b.Publish(ctx, ch, StdoutFrame(line))
		}
		for _, sub := range []*Subscriber{s1, s2} {
			for _, want := range []string{"one", "two", "three"} {
				f := recv(t, sub)
				if f.Stdout == nil || *f.Stdout != want {
					t.Fatalf("%s: expected %q, got %#v", name, want, f)
				}
			}
		}
		b.Unsubscribe(s1)
		b.Unsubscribe(s2)
	}
}

func TestBrokerIsolatesJobs(t *testing.T) {
	ctx := context.Background()
	for name, b := range brokers(t, Options{}) {
		subA, _ := b.Subscribe(ctx, Channel("job-a", ""))
		subB, _ := b.Subscribe(ctx, Channel("job-b", ""))
		PublishJobFrame(ctx, b, "job-b", ProgressFrame(0.3))
		f := recv(t, subB)
		if f.Progress == nil || *f.Progress != 0.3 {
			t.Fatalf("%s: unexpected frame %#v", name, f)
		}
		expectNothing(t, subA)
		b.Unsubscribe(subA)
		b.Unsubscribe(subB)
	}
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	for name, b := range brokers(t, Options{}) {
		b.Publish(context.Background(), Channel("nobody", KindProgress), ProgressFrame(1))
		if b.Backend() == "" {
			t.Fatalf("%s: expected backend name", name)
		}
	}
}

func TestBrokerUnsubscribeClosesQueue(t *testing.T) {
	ctx := context.Background()
	for name, b := range brokers(t, Options{}) {
		sub, _ := b.Subscribe(ctx, Channel("job-c", ""))
		b.Unsubscribe(sub)
		b.Unsubscribe(sub)
		select {
		case _, ok := <-sub.C():
			if ok {
				t.Fatalf("%s: expected closed queue", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: queue not closed", name)
		}
		b.Publish(ctx, Channel("job-c", ""), ExitFrame(0))
	}
}

func TestPublishJobFrameRouting(t *testing.T) {
	ctx := context.Background()
	for name, b := range brokers(t, Options{QueueSize: 16}) {
		progress, _ := b.Subscribe(ctx, Channel("job-d", KindProgress))
		all, _ := b.Subscribe(ctx, Channel("job-d", ""))

		PublishJobFrame(ctx, b, "job-d", StdoutFrame("hello"))
		PublishJobFrame(ctx, b, "job-d", ProgressFrame(0.5))
		PublishJobFrame(ctx, b, "job-d", StderrFrame("warn"))
		PublishJobFrame(ctx, b, "job-d", ExitFrame(0))

		if f := recv(t, progress); f.Kind() != KindProgress {
			t.Fatalf("%s: expected progress first, got %s", name, f.Kind())
		}
		if f := recv(t, progress); f.Kind() != KindExit || *f.ExitCode != 0 {
			t.Fatalf("%s: expected exit frame, got %#v", name, f)
		}
		expectNothing(t, progress)

		want := []string{KindStdout, KindProgress, KindStderr, KindExit}
		for _, kind := range want {
			if f := recv(t, all); f.Kind() != kind {
				t.Fatalf("%s: expected %s on unfiltered channel, got %s", name, kind, f.Kind())
			}
		}
		b.Unsubscribe(progress)
		b.Unsubscribe(all)
	}
}

func TestMemoryBrokerDropsWhenFull(t *testing.T) {
	m := &countingMetrics{}
	b := NewMemoryBroker(Options{QueueSize: 2, Metrics: m})
	ctx := context.Background()
	sub, _ := b.Subscribe(ctx, "jobs.x")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(ctx, "jobs.x", ProgressFrame(float64(i)/4))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full queue")
	}
	if sub.Dropped() != 3 || m.dropped.Load() != 3 {
		t.Fatalf("expected 3 drops, got %d/%d", sub.Dropped(), m.dropped.Load())
	}
	if m.published.Load() != 5 {
		t.Fatalf("expected 5 published, got %d", m.published.Load())
	}
	if f := recv(t, sub); *f.Progress != 0 {
		t.Fatalf("oldest frames should be kept, got %v", *f.Progress)
	}
}

func TestMemoryBrokerConcurrentSubscribers(t *testing.T) {
	b := NewMemoryBroker(Options{QueueSize: 4})
	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				PublishJobFrame(ctx, b, "job-e", StdoutFrame("x"))
			}
		}
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := b.Subscribe(ctx, Channel("job-e", KindStdout))
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				b.Unsubscribe(sub)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
	b.mu.RLock()
	left := len(b.subs)
	b.mu.RUnlock()
	if left != 0 {
		t.Fatalf("expected no channels left, got %d", left)
	}
}

func TestMemoryBrokerCloseClosesSubscribers(t *testing.T) {
	b := NewMemoryBroker(Options{})
	sub, _ := b.Subscribe(context.Background(), "jobs.y")
	_ = b.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed subscriber")
	}
	if _, err := b.Subscribe(context.Background(), "jobs.y"); err == nil {
		t.Fatalf("expected subscribe on closed broker to fail")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Load()
	b, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	if b.Backend() != backendMemory {
		t.Fatalf("expected memory backend, got %s", b.Backend())
	}
	srv := miniredis.RunT(t)
	cfg.Broker = config.BrokerRedis
	cfg.RedisURL = "redis://" + srv.Addr()
	b, err = New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer b.Close()
	if b.Backend() != backendRedis {
		t.Fatalf("expected redis backend, got %s", b.Backend())
	}
	cfg.Broker = "kafka"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unknown broker")
	}
}
