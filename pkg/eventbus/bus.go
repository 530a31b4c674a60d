// Package eventbus provides in-process publish/subscribe fan-out for
// runtime events (context snapshots, job lifecycle, plugin lifecycle).
//
// Invariants:
// - Publish never blocks, regardless of subscriber backlog.
// - Events published in order by one goroutine are observed in that order
//   by every subscriber that receives both.
// - A subscriber with a full buffer loses events and its drop counter
//   increments; other subscribers are unaffected.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultBuffer = 64

// Subscription is one subscriber's handle onto the bus. Events are received
// from Events() until Close is called or the bus shuts down.
type Subscription struct {
	name    string
	ch      chan Event
	dropped atomic.Uint64
	bus     *Bus
	once    sync.Once
}

// Events returns the subscriber's event channel. The channel is closed when
// the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because this subscriber's
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Name returns the label the subscriber registered with.
func (s *Subscription) Name() string {
	return s.name
}

// Close detaches the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is a single-process event bus. Any goroutine may publish; any number
// of subscribers receive every event published after they subscribed.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger zerolog.Logger

	// dropHook, when set, is invoked (without the bus lock held beyond the
	// publish path) each time a subscriber loses an event.
	dropHook func(subscriber string)
}

// New creates an event bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With().Str("component", "eventbus").Logger(),
	}
}

// SetDropHook registers a callback fired once per dropped event, used to
// feed the drop counter metric. Must be called before Publish traffic starts.
func (b *Bus) SetDropHook(hook func(subscriber string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropHook = hook
}

// Subscribe registers a subscriber with the given buffer size. A buffer of
// zero or less uses the default. There is no backfill: only events published
// after Subscribe returns are delivered.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	sub := &Subscription{
		name: name,
		ch:   make(chan Event, buffer),
		bus:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}

	b.subs[sub] = struct{}{}
	b.logger.Debug().Str("subscriber", name).Int("buffer", buffer).Msg("Subscriber attached")
	return sub
}

// Publish delivers the event to every current subscriber. The timestamp is
// stamped here if the caller left it zero. Slow subscribers lose events
// rather than stalling the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn().Str("event", event.Name).Msg("Publish on closed bus dropped")
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			if b.dropHook != nil {
				b.dropHook(sub.name)
			}
			b.logger.Warn().
				Str("subscriber", sub.name).
				Str("event", event.Name).
				Uint64("dropped_total", sub.dropped.Load()).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	b.logger.Debug().Msg("Event bus closed")
}

func (b *Bus) unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	})
}
