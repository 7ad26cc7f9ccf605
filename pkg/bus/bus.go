package bus

import (
	"sync"
)

// EventType identifies a class of in-process events.
type EventType string

const (
	EventConnectivityUp   EventType = "connectivity.up"
	EventConnectivityDown EventType = "connectivity.down"
	EventViewGateChanged  EventType = "viewgate.changed"
	EventRoomCreated      EventType = "room.created"
	EventRoomDeleted      EventType = "room.deleted"
	EventProducerAdded    EventType = "producer.added"
	EventProducerRemoved  EventType = "producer.removed"
)

// Event is a single in-process notification.
type Event struct {
	Type    EventType
	Payload interface{}
}

// Subscription receives events until Unsubscribe is called.
type Subscription struct {
	C      chan Event
	bus    *Bus
	types  map[EventType]bool
	closed bool
}

// Bus is a typed in-process publish/subscribe broker. Publishing never blocks:
// a subscriber that cannot keep up drops events rather than stalling the
// publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in the given event types. With no types given,
// the subscription receives every event.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{
		C:     make(chan Event, 16),
		bus:   b,
		types: make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers the event to every matching subscriber, best effort.
func (b *Bus) Publish(eventType EventType, payload interface{}) {
	event := Event{Type: eventType, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[eventType] {
			continue
		}
		select {
		case sub.C <- event:
		default:
			// Slow subscriber, drop.
		}
	}
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.C)
}
