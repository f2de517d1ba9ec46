// Package bus is the in-process broadcast channel for trading events.
// Producers never block: each subscriber owns a bounded buffer, and a slow
// subscriber loses the oldest events with the loss visible on its drop
// counter.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kucoin "github.com/CAJUDA30/kucoin"
)

// DefaultBufferSize is the per-subscriber buffer when Subscribe is given a
// non-positive size.
const DefaultBufferSize = 1000

// Bus is a multi-producer, multi-consumer event broadcaster.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates an empty Bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscription is one consumer's bounded event stream.
type Subscription struct {
	bus *Bus

	mu     sync.Mutex
	ch     chan kucoin.Event
	closed bool

	droppedCount atomic.Int64
}

// Subscribe registers a consumer with the given buffer size (<= 0 uses
// DefaultBufferSize).
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	s := &Subscription{
		bus: b,
		ch:  make(chan kucoin.Event, buffer),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish broadcasts e to every subscriber without blocking.
func (b *Bus) Publish(e kucoin.Event) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.offer(e)
	}
	b.log.Debug().Str("event", e.EventName()).Int("subscribers", len(b.subs)).Msg("event published")
}

// offer enqueues e, evicting the oldest buffered event when full.
func (s *Subscription) offer(e kucoin.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	// Buffer full: drop the oldest so the newest event survives. When the
	// consumer drained concurrently nothing is lost and nothing counts.
	select {
	case <-s.ch:
		s.droppedCount.Add(1)
		s.bus.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		// Lost the race to a refill; the new event itself is dropped.
		s.droppedCount.Add(1)
		s.bus.dropped.Add(1)
	}
}

// Events is the subscriber's receive stream. It closes on Close.
func (s *Subscription) Events() <-chan kucoin.Event {
	return s.ch
}

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() int64 {
	return s.droppedCount.Load()
}

// Close unregisters the subscription and closes its stream.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Stats summarizes bus activity.
type Stats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

// Stats snapshots the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
