// Package bus implements the in-process event bus for checkpoint, iteration
// and task events. Delivery is synchronous and single-threaded: publishers
// emit only after their store transaction commits, so subscribers observe a
// consistent view. Listener failures are best-effort and never propagate.
package bus

import (
	"sync"
	"time"

	"loom/internal/logging"
)

// Well-known event topics.
const (
	CheckpointCreated = "checkpoint.created"
	CheckpointResumed = "checkpoint.resumed"
	IterationStarted  = "iteration.started"
	IterationAdvanced = "iteration.advanced"
	IterationComplete = "iteration.completed"
	TaskStatusChanged = "task.status_changed"
	InitiativeLinked  = "initiative.linked"
	StreamArchived    = "stream.archived"
)

// Event is a published notification.
type Event struct {
	Topic     string
	EntityID  string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// Handler consumes events. Handlers must not block; panics are recovered.
type Handler func(Event)

// Bus is a minimal pub/sub hub.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic. "*" subscribes to everything.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers the event to topic and wildcard subscribers in
// registration order. A panicking handler is logged and skipped.
func (b *Bus) Publish(topic, entityID string, payload map[string]interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[topic])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[topic]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	evt := Event{Topic: topic, EntityID: entityID, Payload: payload, Timestamp: time.Now().UTC()}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryServer).Warn("event handler panic on %s: %v", topic, r)
				}
			}()
			h(evt)
		}()
	}
}
