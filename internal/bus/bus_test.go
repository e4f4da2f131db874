package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSync_DeliversToTypedAndWildcard(t *testing.T) {
	b := NewEventBus()

	var typed, all atomic.Int32
	b.Subscribe(EventTypeSTTFinal, func(e Event) { typed.Add(1) })
	b.SubscribeAll(func(e Event) { all.Add(1) })

	b.PublishSync(NewEvent(EventTypeSTTFinal, map[string]any{"text": "hello"}))
	b.PublishSync(NewEvent(EventTypeGlossTokens, nil))

	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, int32(2), all.Load())
}

func TestPublish_Async(t *testing.T) {
	b := NewEventBus()
	done := make(chan Event, 1)
	b.Subscribe(EventTypeSpeechStart, func(e Event) { done <- e })

	b.Publish(Event{Type: EventTypeSpeechStart})

	select {
	case e := <-done:
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewEventBus()

	var calls atomic.Int32
	id := b.Subscribe(EventTypeSTTFinal, func(e Event) { calls.Add(1) })
	allID := b.SubscribeAll(func(e Event) { calls.Add(1) })

	b.PublishSync(NewEvent(EventTypeSTTFinal, nil))
	require.Equal(t, int32(2), calls.Load())

	b.Unsubscribe(id)
	b.Unsubscribe(allID)
	b.PublishSync(NewEvent(EventTypeSTTFinal, nil))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribeMultiple(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	seen := map[EventType]int{}
	ids := b.SubscribeMultiple([]EventType{EventTypeSpeechStart, EventTypeSpeechEnd}, func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})
	require.Len(t, ids, 2)

	b.PublishSync(NewEvent(EventTypeSpeechStart, nil))
	b.PublishSync(NewEvent(EventTypeSpeechEnd, nil))
	b.PublishSync(NewEvent(EventTypeSTTFinal, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[EventType]int{EventTypeSpeechStart: 1, EventTypeSpeechEnd: 1}, seen)
}

func TestClear(t *testing.T) {
	b := NewEventBus()
	var calls atomic.Int32
	b.Subscribe(EventTypeSTTFinal, func(e Event) { calls.Add(1) })
	b.Clear()
	b.PublishSync(NewEvent(EventTypeSTTFinal, nil))
	assert.Equal(t, int32(0), calls.Load())
}
