// Package events provides the process-wide publish/subscribe channel that
// broadcasts typed change notifications to listening UI surfaces.
package events

import (
	"log"
	"sync"
)

// Topic identifies a class of change notification.
type Topic string

const (
	TopicProvidersChanged   Topic = "providers.changed"
	TopicModelsChanged      Topic = "models.changed"
	TopicPermissionsChanged Topic = "permissions.changed"
	TopicPendingChanged     Topic = "pending.changed"
	TopicOriginChanged      Topic = "origin.changed"
	TopicAuthChanged        Topic = "auth.changed"
	TopicCatalogRefreshed   Topic = "catalog.refreshed"
	TopicAuthFlowChanged    Topic = "authflow.changed"
)

// Event is a single broadcast notification. Payload is a JSON-serializable
// record scoped to the topic (provider id, origin, flow snapshot, ...).
type Event struct {
	Topic   Topic       `json:"topic"`
	Payload interface{} `json:"payload,omitempty"`
}

const subscriberBuffer = 64

// Bus is a fan-out broadcaster. Publish never blocks: subscribers that fall
// behind lose events rather than stalling the publisher.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; it closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish broadcasts an event to all current subscribers.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- Event{Topic: topic, Payload: payload}:
		default:
			log.Printf("⚠️ events: subscriber %d is full, dropping %s", id, topic)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
