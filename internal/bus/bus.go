// Package bus is the in-process control bus used to announce asset lifecycle
// events and to receive hints computed by other components.
package bus

import (
	"context"
	"errors"
	"sync"
)

// Topics published or consumed by the live engine.
const (
	TopicStarted   = "live.started"
	TopicStopped   = "live.stopped"
	TopicThumbnail = "live.thumbnail"
	TopicAspect    = "live.aspect"
)

// Message is an opaque bus payload.
type Message any

// LifecycleEvent is published on TopicStarted and TopicStopped.
type LifecycleEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ThumbnailEvent is published when a new thumbnail is available.
type ThumbnailEvent struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// AspectHint carries a display aspect ratio computed elsewhere (e.g. by probing the ingest).
type AspectHint struct {
	ID    string  `json:"id"`
	Ratio float64 `json:"ratio"`
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Subscriber receives messages for one topic until Close.
type Subscriber interface {
	C() <-chan Message
	Close() error
}

// Bus is the publish/subscribe contract.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}

// MemoryBus is an in-memory pub/sub. It is not durable; Publish blocks on a full
// subscriber until ctx is done.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	closed bool
}

const subscriberBuffer = 64

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memSub)}
}

// Publish delivers msg to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memSub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new subscriber for topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memSub{b: b, topic: topic, ch: make(chan Message, subscriberBuffer), done: make(chan struct{})}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

// Close detaches and closes every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*memSub)
	b.closed = true
	b.mu.Unlock()

	for _, lst := range subs {
		for _, s := range lst {
			s.shutdown()
		}
	}
	return nil
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Message

	once sync.Once
	mu   sync.Mutex
	done chan struct{}
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) deliver(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSub) Close() error {
	s.b.mu.Lock()
	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	s.b.mu.Unlock()

	s.shutdown()
	return nil
}

// shutdown closes the channel once no delivery can be in flight.
func (s *memSub) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

var _ Bus = (*MemoryBus)(nil)
