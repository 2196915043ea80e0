package events

import (
	"context"
	"sync"
)

// RuntimeChannel names the stream of one runtime.
func RuntimeChannel(runtimeID string) string { return "runtime:" + runtimeID }

// OrderChannel names the stream of every runtime of an order.
func OrderChannel(orderID string) string { return "order:" + orderID }

// AllChannel receives every notification.
const AllChannel = "all"

// DefaultBuffer is the per-subscriber queue size.
const DefaultBuffer = 100

// Bus is an in-memory fan-out. Publish never blocks: when a subscriber's
// queue is full the oldest queued notification is dropped to make room, so
// a slow reader always sees the latest state.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscription is one reader of a channel.
type Subscription struct {
	bus     *Bus
	channel string
	ch      chan Notification
	dropped int
	once    sync.Once
}

// C returns the notification stream. It is closed by Close.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Dropped returns how many notifications were discarded for this reader.
func (s *Subscription) Dropped() int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if set, ok := s.bus.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
		close(s.ch)
	})
}

// Subscribe opens a subscription on channel.
func (b *Bus) Subscribe(channel string) *Subscription {
	s := &Subscription{bus: b, channel: channel, ch: make(chan Notification, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s
}

// Subscribers returns the number of open subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Publish implements Publisher. The notification goes to the runtime's
// channel, the order's channel and AllChannel.
func (b *Bus) Publish(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, channel := range []string{RuntimeChannel(n.RuntimeID), OrderChannel(n.OrderID), AllChannel} {
		for s := range b.subs[channel] {
			b.offer(s, n)
		}
	}
	return nil
}

// offer enqueues n, evicting the oldest entry if the queue is full. Called
// with b.mu held, which is also what Close takes before closing s.ch.
func (b *Bus) offer(s *Subscription, n Notification) {
	for {
		select {
		case s.ch <- n:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}
