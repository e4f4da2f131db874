// Package bus provides an internal event bus for pipeline components
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies different event types
type EventType string

// Event types for Signify
const (
	// Audio events
	EventTypeSpeechStart EventType = "audio.speech_start"
	EventTypeSpeechEnd   EventType = "audio.speech_end"

	// STT events
	EventTypeSTTPartial EventType = "stt.partial"
	EventTypeSTTFinal   EventType = "stt.final"
	EventTypeSTTError   EventType = "stt.error"

	// Gloss events
	EventTypeGlossTokens  EventType = "gloss.tokens"
	EventTypeGlossUnknown EventType = "gloss.unknown"

	// Animation events
	EventTypeAnimationStateChanged EventType = "animation.state_changed"
	EventTypeSignStarted           EventType = "animation.sign_started"
	EventTypeClipMissing           EventType = "animation.clip_missing"
	EventTypeTokensDropped         EventType = "animation.tokens_dropped"

	// Lexicon events
	EventTypeLexiconReloaded EventType = "lexicon.reloaded"

	// Pipeline events
	EventTypeSessionStarted EventType = "pipeline.session_started"
	EventTypeSessionEnded   EventType = "pipeline.session_ended"
	EventTypePipelineError  EventType = "pipeline.error"
)

// Event represents a bus event
type Event struct {
	ID        string
	Type      EventType
	SessionID string
	Time      time.Time
	Data      map[string]any
}

// NewEvent creates an event with a fresh ID and timestamp
func NewEvent(eventType EventType, data map[string]any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: time.Now(),
		Data: data,
	}
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	all      []subscription
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe adds a handler for an event type and returns its subscription ID
func (b *EventBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) []string {
	ids := make([]string, 0, len(eventTypes))
	for _, et := range eventTypes {
		ids = append(ids, b.Subscribe(et, handler))
	}
	return ids
}

// SubscribeAll adds a handler that receives every event
func (b *EventBus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.all = append(b.all, subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a handler by subscription ID
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.handlers {
		b.handlers[et] = removeSub(subs, id)
	}
	b.all = removeSub(b.all, id)
}

func removeSub(subs []subscription, id string) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (b *EventBus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	for _, s := range b.handlers[eventType] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	return handlers
}

func stamp(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	return event
}

// Publish sends an event to all subscribed handlers without waiting
func (b *EventBus) Publish(event Event) {
	event = stamp(event)
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete.
// Consecutive PublishSync calls are delivered in order.
func (b *EventBus) PublishSync(event Event) {
	event = stamp(event)

	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
	b.all = nil
}
