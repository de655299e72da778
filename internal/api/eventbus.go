// Package api implements the Query/Broadcast API (spec.md §4.H): the
// resolver-facing read operations (count_in_room, list_active,
// get_by_global_id, set_name) plus a pub/sub EventBus for
// person_appeared/moved/disappeared notifications. Grounded on
// marcopennelli-orbo/internal/pipeline/event_bus.go's subscription-set
// shape (synchronous handler delivery, non-blocking drop-on-full channel
// delivery). WebSocket and NATS bridges are optional, pure subscribers of
// the core EventBus — neither is required for the core API to function.
package api

import (
	"sync"

	"sentrymesh/internal/model"
	"sentrymesh/internal/resolver"
)

// Handler receives events synchronously, in publish order.
type Handler interface {
	OnEvent(evt model.Event)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(evt model.Event)

func (f HandlerFunc) OnEvent(evt model.Event) { f(evt) }

type subscription struct {
	handler Handler
	channel chan model.Event
}

// EventBus fans out resolver events to subscribers. It implements
// resolver.EventPublisher so a Resolver can publish directly into it.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]bool
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[*subscription]bool)}
}

var _ resolver.EventPublisher = (*EventBus)(nil)

// Subscribe registers a handler for every event. The returned function
// unsubscribes it.
func (b *EventBus) Subscribe(handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel of events with the given buffer size,
// plus an unsubscribe function that closes it. When the channel is full the
// oldest buffered event is dropped to make room for the new one, so the
// publisher never blocks (spec.md §4.H: broadcast never blocks the resolver).
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan model.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	ch := make(chan model.Event, bufferSize)
	sub := &subscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers evt to every subscriber. Handlers run synchronously, so
// each handler sees events in publish order (the teacher's "preserve frame
// ordering" delivery guarantee); the order in which different subscribers
// are visited is not defined, since the subscriber set is a map. Channel
// subscribers never block the caller.
func (b *EventBus) Publish(evt model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler.OnEvent(evt)
		} else if sub.channel != nil {
			select {
			case sub.channel <- evt:
			default:
				// subscriber is behind; drop its oldest queued event rather
				// than stall the resolver.
				select {
				case <-sub.channel:
				default:
				}
				select {
				case sub.channel <- evt:
				default:
				}
			}
		}
	}
}

// SubscriberCount reports the number of live subscriptions, for metrics.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
