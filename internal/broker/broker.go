// Package broker implements the engine's in-process publish/subscribe bus:
// non-blocking publish, bounded per-subscriber queues, pattern subscriptions
// and monotonic per-subscription sequence numbers.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultQueueCapacity is the default bounded FIFO depth for a Subscription.
const DefaultQueueCapacity = 1024

// Envelope is one delivered message: its channel, per-subscription sequence
// number, and payload.
type Envelope struct {
	Channel string
	Seq     uint64
	Payload any
}

// Subscription is a live pattern subscription returned by Subscribe. Receive
// from C until it is closed by Unsubscribe.
type Subscription struct {
	id      uint64
	pattern string
	m       matcher
	C       chan Envelope
	seq     atomic.Uint64
	drops   atomic.Uint64
	closed  atomic.Bool
}

// Seq returns the sequence number of the last successfully delivered
// envelope, i.e. the count of deliveries so far (0 before the first).
func (s *Subscription) Seq() uint64 { return s.seq.Load() }

// Drops returns the count of messages dropped for this subscriber because its
// queue was full (Overflow, per spec §7).
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

// Metrics tracks broker-wide publish/delivery/drop counters (spec §8 P7:
// publishing with zero subscribers is observable only through a counter).
type Metrics struct {
	Published       atomic.Uint64
	PublishedNoSubs atomic.Uint64
	Delivered       atomic.Uint64
	Dropped         atomic.Uint64
}

// Broker is an in-process pub/sub bus over colon-segmented channel names.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	log     zerolog.Logger
	Metrics Metrics
}

// New creates an empty Broker.
func New(log zerolog.Logger) *Broker {
	return &Broker{
		subs: make(map[uint64]*Subscription),
		log:  log.With().Str("component", "broker").Logger(),
	}
}

// Subscribe registers a new pattern subscription with a bounded FIFO queue of
// the given capacity (DefaultQueueCapacity if capacity <= 0).
func (b *Broker) Subscribe(pattern string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		pattern: pattern,
		m:       compilePattern(pattern),
		C:       make(chan Envelope, capacity),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe idempotently removes sub; no further delivery occurs after this
// call returns. Safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, existed := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if existed && sub.closed.CompareAndSwap(false, true) {
		close(sub.C)
	}
}

// Publish delivers payload to every subscriber whose pattern matches channel.
// Publish never blocks: a subscriber with a full queue has the message
// dropped for it and its drop counter incremented. Returns the number of
// subscribers the message was actually delivered to.
func (b *Broker) Publish(channel string, payload any) int {
	// A full lock (not RLock) serializes publishes so that per-channel,
	// per-subscriber sequence numbers stay gap-free and publish-ordered.
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	matched := 0
	for _, sub := range b.subs {
		if !sub.m.match(channel) {
			continue
		}
		matched++
		if sub.closed.Load() {
			continue
		}
		env := Envelope{Channel: channel, Payload: payload, Seq: sub.seq.Load() + 1}
		select {
		case sub.C <- env:
			sub.seq.Add(1)
			delivered++
			b.Metrics.Delivered.Add(1)
		default:
			sub.drops.Add(1)
			b.Metrics.Dropped.Add(1)
		}
	}
	b.Metrics.Published.Add(1)
	if matched == 0 {
		b.Metrics.PublishedNoSubs.Add(1)
	}
	return delivered
}
