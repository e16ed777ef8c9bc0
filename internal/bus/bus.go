// Package bus provides an in-process event bus for session observers.
package bus

import (
	"sync"
)

// EventType names what happened in a session.
type EventType string

const (
	// Session lifecycle
	EventTypeSessionStarted EventType = "session.started"
	EventTypeSessionEnded   EventType = "session.ended"

	// Per-frame analysis
	EventTypeVisemeChanged    EventType = "viseme.changed"
	EventTypeFallbackEngaged  EventType = "viseme.fallback_engaged"
	EventTypeDetectionTimeout EventType = "detection.timeout"
	EventTypeDetectionFailed  EventType = "detection.failed"
	EventTypeResultDiscarded  EventType = "detection.discarded"

	// Morph output
	EventTypeUnknownTarget  EventType = "morph.unknown_target"
	EventTypeRendererFailed EventType = "renderer.failed"

	// Configuration
	EventTypeReconfigured EventType = "config.reconfigured"
)

// Event is one notification. Data carries event-specific fields such as
// the viseme, the frame sequence or the failing error.
type Event struct {
	Type      EventType
	SessionID string
	Data      map[string]any
}

// Handler observes events. Handlers must not block the publisher for long.
type Handler func(Event)

// EventBus fans optimizer events out to observers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	wg       sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers handler for one event type.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple registers handler for each of eventTypes.
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	return handlers
}

// Publish hands the event to every subscriber on its own goroutine so the
// frame loop never waits on an observer.
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(event)
		}(handler)
	}
}

// PublishSync runs every handler inline, in subscription order.
func (b *EventBus) PublishSync(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		handler(event)
	}
}

// Drain blocks until every handler started by Publish has returned.
func (b *EventBus) Drain() {
	b.wg.Wait()
}

// Clear drops every subscription.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.handlers)
}
