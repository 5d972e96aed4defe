// Package bus is an in-process topic pub/sub used to publish store commits
// and pipeline outcomes to observers (CLI, state feed, metrics).
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event represents a system event for internal pub/sub.
type Event struct {
	Type      string         // e.g. "store.changed", "message.failed"
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time      // when the event was created
	Transient bool           // delivered to handlers but not kept in history
}

// EventHandler is a callback for events.
type EventHandler func(Event)

const defaultMaxHistory = 1000

// EventBus provides a topic-based publish/subscribe event system for internal events.
// It supports wildcard subscriptions and replay of recent non-transient events.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     int
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a new EventBus keeping the last 1000 events for replay.
func NewEventBus(logger *slog.Logger) *EventBus {
	return NewEventBusWithHistory(logger, defaultMaxHistory)
}

// NewEventBusWithHistory creates an EventBus keeping at most maxHistory
// events. Zero disables history.
func NewEventBusWithHistory(logger *slog.Logger, maxHistory int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in registration order.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if eb.maxHistory > 0 && !event.Transient {
		if len(eb.history) >= eb.maxHistory {
			eb.history = eb.history[1:]
		}
		eb.history = append(eb.history, event)
	}
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	if event.Type != "*" {
		handlers = append(handlers, eb.handlers["*"]...)
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events matching the given type since the given time.
// Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// --- Well-known event types ---
const (
	EventStoreChanged         = "store.changed"
	EventMessageSent          = "message.sent"
	EventMessageFailed        = "message.failed"
	EventReplyReceived        = "reply.received"
	EventReplyFailed          = "reply.failed"
	EventConversationCreated  = "conversation.created"
	EventConversationSelected = "conversation.selected"
	EventSignedOut            = "auth.signed_out"
)
