package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is used when Subscribe is called with bufSize <= 0.
const DefaultBufferSize = 256

// Subscription is one listener's bounded queue.
// C is closed when the subscription is removed or the bus is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[string]bool // empty means every type
	topics  map[string]bool
	bus     *Bus
	mu      sync.Mutex // serializes drop-oldest against concurrent publishers
	closed  bool
	dropped atomic.Int64
	// overflowing is true between the first drop and the next clean send,
	// so each overflow episode is logged once.
	overflowing bool
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes C. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

func (s *Subscription) wants(e Event) bool {
	if len(s.types) == 0 && len(s.topics) == 0 {
		return true
	}
	return s.types[e.Type] || s.topics[e.Topic()]
}

// deliver enqueues e, discarding the oldest queued event when full.
func (s *Subscription) deliver(e Event, logger *log.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		s.overflowing = false
		return
	default:
	}

	// Full: drop the oldest and retry once. A concurrent reader may have
	// drained in between, in which case the receive simply finds nothing.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}

	if !s.overflowing {
		s.overflowing = true
		logger.Printf("WARNING: [events] subscriber queue full (cap %d), dropping oldest events", cap(s.ch))
	}
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

// Bus is an in-process publish/subscribe fan-out. Publishing never blocks on
// slow subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *log.Logger
	now    func() time.Time
}

// NewBus creates a new event bus. A nil logger uses log.Default().
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers a listener for the given event types or topics
// ("task.ready", or just "task"). No filters means every event.
// bufSize determines the queue capacity (defaults to 256 if <= 0).
func (b *Bus) Subscribe(bufSize int, filters ...string) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		types:  make(map[string]bool),
		topics: make(map[string]bool),
		bus:    b,
	}
	for _, f := range filters {
		if isTopic(f) {
			sub.topics[f] = true
		} else {
			sub.types[f] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// SubscribeAll is Subscribe without filters.
func (b *Bus) SubscribeAll(bufSize int) *Subscription {
	return b.Subscribe(bufSize)
}

// Publish fans e out to every interested subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.wants(e) {
			sub.deliver(e, b.logger)
		}
	}
}

// Emit builds an Event with a fresh id and timestamp and publishes it.
func (b *Bus) Emit(eventType string, data map[string]any, projectID string) {
	if data == nil {
		data = map[string]any{}
	}
	b.Publish(Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: b.now(),
		Data:      data,
		ProjectID: projectID,
	})
}

// Close closes the bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close()
	}
	b.subs = make(map[*Subscription]struct{})
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

func isTopic(filter string) bool {
	for i := 0; i < len(filter); i++ {
		if filter[i] == '.' {
			return false
		}
	}
	return true
}
