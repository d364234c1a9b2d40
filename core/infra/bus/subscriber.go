package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscriber is a bounded per-connection queue of encoded frames. It is owned
// by exactly one consumer and is closed once, on Unsubscribe or broker Close.
type Subscriber struct {
	ID      string
	Channel string

	ch      chan []byte
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
	stop    func()
}

func newSubscriber(channel string, size int, onDrop func()) *Subscriber {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Subscriber{
		ID:      uuid.NewString(),
		Channel: channel,
		ch:      make(chan []byte, size),
		onDrop:  onDrop,
	}
}

// C yields encoded frames. It is closed after Unsubscribe.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// Dropped returns how many frames were discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// offer enqueues without blocking. It reports false when the frame was dropped.
func (s *Subscriber) offer(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- data:
		return true
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
		return false
	}
}

// close runs the backend stop hook and closes the queue. Safe to call twice.
func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	close(s.ch)
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}
