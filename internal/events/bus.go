package events

import (
	"sync"
)

// Subscription is a handle on a stream of events. C is closed when the bus
// shuts down or Cancel is called.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription from the bus and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus is a channel-based pub-sub bus for run progress events. Publishing is
// non-blocking: a subscriber that falls behind loses events rather than
// stalling the engine. Consumers needing a complete record read the
// persisted session instead.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*Subscription // topic -> id -> subscription
	all    map[int]*Subscription
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[int]*Subscription),
		all:  make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription to a single topic. bufSize defaults to
// 256 when <= 0.
func (b *Bus) Subscribe(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{C: ch, ch: ch}

	if b.closed {
		close(ch)
		sub.cancel = func() {}
		return sub
	}

	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*Subscription)
	}
	b.subs[topic][id] = sub

	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, live := b.subs[topic][id]; live {
			delete(b.subs[topic], id)
			close(ch)
		}
	}
	return sub
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *Bus) SubscribeAll(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{C: ch, ch: ch}

	if b.closed {
		close(ch)
		sub.cancel = func() {}
		return sub
	}

	id := b.nextID
	b.nextID++
	b.all[id] = sub

	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, live := b.all[id]; live {
			delete(b.all, id)
			close(ch)
		}
	}
	return sub
}

// Publish sends an event to every subscriber of the topic and every
// SubscribeAll subscriber. Full channels drop the event for that subscriber.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	for _, sub := range b.all {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.ch)
		}
	}
	for id, sub := range b.all {
		delete(b.all, id)
		close(sub.ch)
	}
}
