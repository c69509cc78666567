package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Subscription is a registered consumer of the bus.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	topic   string // Empty for all topics
	bus     *EventBus
	dropped atomic.Uint64
}

// Dropped returns how many events the subscription missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call multiple times and after the bus is closed.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// EventBus is a channel-based pub-sub event bus. Publishing never blocks:
// a subscriber with a full buffer misses the event.
// A nil *EventBus is valid and drops everything.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe creates a subscription to a topic. An empty topic receives
// every event. bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, topic: topic, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every subscriber of its topic.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.topic != "" && sub.topic != event.Topic() {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *EventBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Close closes the bus and all subscriber channels. Idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
