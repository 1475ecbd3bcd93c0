// Package events fans out engine events (price updates, fills, state
// changes) to WebSocket sessions and any other subscriber.
//
// Delivery is non-blocking for the publisher. Each subscriber owns a
// bounded queue: when it overflows, the oldest lossy event (price updates,
// log lines) is discarded first. Fills and state changes are never
// dropped — a subscriber whose queue is full of those is disconnected
// instead, since it is too far behind to be trusted with trading state.
package events

import (
	"errors"
	"sync"
	"time"
)

// Event types, in the order they are published within a tick.
const (
	TypePriceUpdate = "PRICE_UPDATE"
	TypeOrderFilled = "ORDER_FILLED"
	TypeStateChange = "STATE_CHANGE"
	TypeLogEntry    = "LOG_ENTRY"
)

// Event is one bus message.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// lossy reports whether an event may be discarded under backpressure.
func lossy(t string) bool {
	return t == TypePriceUpdate || t == TypeLogEntry
}

// ErrSlowConsumer is the error a disconnected subscriber observes.
var ErrSlowConsumer = errors.New("subscriber queue overflow")

// DefaultQueueDepth bounds each subscriber's pending events.
const DefaultQueueDepth = 64

// Bus is the fan-out hub. Safe for concurrent use.
type Bus struct {
	mu    sync.Mutex
	subs  map[*Subscriber]struct{}
	depth int
}

// NewBus creates a bus with the given per-subscriber queue depth
// (0 = DefaultQueueDepth).
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Bus{subs: make(map[*Subscriber]struct{}), depth: depth}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		depth:  b.depth,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes and closes a subscriber.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close(nil)
}

// Publish delivers an event to every subscriber without blocking. Slow
// subscribers that cannot shed load are disconnected.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	var dead []*Subscriber
	for s := range b.subs {
		if !s.push(e) {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		delete(b.subs, s)
	}
	b.mu.Unlock()

	for _, s := range dead {
		s.close(ErrSlowConsumer)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscriber receives events via Next. Never shared between goroutines.
type Subscriber struct {
	mu     sync.Mutex
	queue  []Event
	depth  int
	err    error
	closed bool

	notify chan struct{} // signaled when the queue goes non-empty
	done   chan struct{} // closed on disconnect
}

// push enqueues an event, shedding lossy events on overflow. Returns false
// when the subscriber must be disconnected.
func (s *Subscriber) push(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	if len(s.queue) >= s.depth {
		if i := s.oldestLossy(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
		} else if lossy(e.Type) {
			// Queue is all must-deliver events; the incoming lossy one loses.
			return true
		} else {
			return false
		}
	}

	s.queue = append(s.queue, e)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscriber) oldestLossy() int {
	for i, e := range s.queue {
		if lossy(e.Type) {
			return i
		}
	}
	return -1
}

// Next blocks until an event is available or the subscriber is closed.
func (s *Subscriber) Next() (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = errors.New("subscriber closed")
			}
			return Event{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		}
	}
}

// TryNext returns the next event without blocking.
func (s *Subscriber) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

func (s *Subscriber) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.mu.Unlock()
}

// Err returns the disconnect reason, if any.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
