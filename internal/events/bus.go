// Package events carries the orchestration core's outbound events to the
// transport layer. Delivery is asynchronous and may drop events for slow
// subscribers; a slow relay must never block a state transition.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventRunStarted is published when a run transitions to running.
	EventRunStarted EventType = "run_started"
	// EventInstructionReady is published when the next instruction for a
	// step attempt is available for dispatch.
	EventInstructionReady EventType = "instruction_ready"
	// EventStepAdvanced is published when a step reaches a terminal status.
	EventStepAdvanced EventType = "step_advanced"
	// EventResponseRejected is published when a stale or duplicate response
	// is ignored.
	EventResponseRejected EventType = "response_rejected"
	// EventRunTerminal is published exactly once when a run ends.
	EventRunTerminal EventType = "run_terminal"
)

// Types lists every event type the core publishes, for subscribers that
// want the full stream.
func Types() []EventType {
	return []EventType{
		EventRunStarted,
		EventInstructionReady,
		EventStepAdvanced,
		EventResponseRejected,
		EventRunTerminal,
	}
}

// Event is one published occurrence.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe event bus. Events are delivered
// asynchronously via buffered channels; if a subscriber's channel is full,
// the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The subscriber
// function is called from a dedicated goroutine. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not take the bus down.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for every core event type and returns
// one unsubscribe function covering them all.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	var unsubs []func()
	for _, et := range Types() {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to all subscribers of the given type without
// blocking the caller.
func (b *Bus) Publish(eventType EventType, runID string, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full, drop for this subscriber.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
