// Package events provides a fan-out pub/sub bus for re-broadcasting watch
// activity to API consumers (SSE and WebSocket streams).
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of bus event.
type EventType string

const (
	EventTaskRegistered   EventType = "task_registered"
	EventTaskUnregistered EventType = "task_unregistered"
	EventTaskEvent        EventType = "task_event"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskRecovered    EventType = "task_recovered"
	EventAlreadyCompleted EventType = "task_already_completed"
	EventConnectionState  EventType = "connection_state"
	EventSweepCompleted   EventType = "sweep_completed"
)

// BusEvent is a single event published through the bus and streamed to API
// clients.
type BusEvent struct {
	Type      EventType       `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	State     string          `json:"state,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan BusEvent
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan BusEvent),
	}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt BusEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan BusEvent, func()) {
	ch := make(chan BusEvent, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
