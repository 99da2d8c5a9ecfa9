package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Envelope wraps a delivered event.
type Envelope struct {
	// Seq is the bus wide publish sequence number.
	Seq uint64
	// Dropped is how many older events were discarded for this subscriber
	// since the previous envelope that reported a gap.
	Dropped int
	Event   Event
}

// Filter selects the events a subscriber wants, nil selects everything.
type Filter func(Event) bool

// Topics returns a filter matching any of the topics.
func Topics(topics ...string) Filter {
	return func(e Event) bool { return slices.Contains(topics, e.Topic()) }
}

// Types returns a filter matching any of the event types.
func Types(types ...string) Filter {
	return func(e Event) bool { return slices.Contains(types, e.EventType()) }
}

// EventBus is a channel-based pub-sub event bus.
// Publish never blocks: a full subscriber loses its oldest buffered event.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	seq    atomic.Uint64
	closed bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscription is a live subscriber of the bus.
type Subscription struct {
	bus    *EventBus
	filter Filter
	ch     chan Envelope

	mu      sync.Mutex
	pending int
	dropped atomic.Int64
	closed  bool
}

// C returns the delivery channel, closed when the subscription or the bus closes.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Dropped returns the total number of events this subscriber lost.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close removes the subscription from the bus. Safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	s.bus.subs = slices.DeleteFunc(s.bus.subs, func(x *Subscription) bool { return x == s })
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) deliver(env Envelope) {
	if s.filter != nil && !s.filter(env.Event) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	env.Dropped = s.pending
	select {
	case s.ch <- env:
		s.pending = 0
		return
	default:
	}

	// Full: discard the oldest buffered event to make room.
	select {
	case old := <-s.ch:
		s.pending += old.Dropped + 1
		s.dropped.Add(1)
	default:
	}

	env.Dropped = s.pending
	select {
	case s.ch <- env:
		s.pending = 0
	default:
		s.pending++
		s.dropped.Add(1)
	}
}

// Subscribe creates a subscription receiving the events accepted by filter.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(filter Filter, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}

	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan Envelope, bufSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.close()
		return sub
	}

	b.subs = append(b.subs, sub)

	return sub
}

// SubscribeAll creates a subscription to ALL events.
func (b *EventBus) SubscribeAll(bufSize int) *Subscription {
	return b.Subscribe(nil, bufSize)
}

// Publish sends an event to all matching subscribers.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Don't publish if bus is closed
	if b.closed {
		return
	}

	env := Envelope{Seq: b.seq.Add(1), Event: event}
	for _, sub := range b.subs {
		sub.deliver(env)
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
}
