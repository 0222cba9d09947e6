// Package events is the side-effect boundary between the trading core
// and its observers. Business logic publishes domain events; the
// notification dispatcher and websocket hub subscribe.
package events

import (
	"sync"
	"time"
)

// EventType represents the domain events the core emits
type EventType string

const (
	EventPositionOpened        EventType = "POSITION_OPENED"
	EventPositionPhaseChanged  EventType = "POSITION_PHASE_CHANGED"
	EventPositionClosed        EventType = "POSITION_CLOSED"
	EventBatchFilled           EventType = "BATCH_FILLED"
	EventCircuitBreakerTripped EventType = "CIRCUIT_BREAKER_TRIPPED"
	EventCircuitBreakerResumed EventType = "CIRCUIT_BREAKER_RESUMED"
	EventSentinelOpened        EventType = "SENTINEL_OPENED"
	EventSentinelResolved      EventType = "SENTINEL_RESOLVED"
	EventRegimeUpdated         EventType = "REGIME_UPDATED"
	EventInvariantViolation    EventType = "INVARIANT_VIOLATION"
	EventBotStarted            EventType = "BOT_STARTED"
	EventBotStopped            EventType = "BOT_STOPPED"
)

// Event represents a single domain event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Symbol    string                 `json:"symbol,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	history     []Event
	historyMax  int
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		historyMax:  200,
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their
// own goroutines so a slow sink never blocks the core.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historyMax {
		b.history = b.history[len(b.history)-b.historyMax:]
	}
	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.allSubs))
	subs = append(subs, b.subscribers[event.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.Unlock()

	for _, sub := range subs {
		go sub(event)
	}
}

// Recent returns up to limit recent events, newest last
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Event, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// PublishPositionClosed publishes a position closed event
func (b *Bus) PublishPositionClosed(symbol, direction, reason string, entryPrice, exitPrice, pnl, pnlPercent float64) {
	b.Publish(Event{
		Type:   EventPositionClosed,
		Symbol: symbol,
		Data: map[string]interface{}{
			"direction":   direction,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishCircuitBreakerTripped publishes a breaker trip event
func (b *Bus) PublishCircuitBreakerTripped(reason string) {
	b.Publish(Event{
		Type: EventCircuitBreakerTripped,
		Data: map[string]interface{}{"reason": reason},
	})
}

// PublishSentinelResolved publishes a sentinel order resolution
func (b *Bus) PublishSentinelResolved(symbol, direction, status string, consecutiveWins int) {
	b.Publish(Event{
		Type:   EventSentinelResolved,
		Symbol: symbol,
		Data: map[string]interface{}{
			"direction":        direction,
			"status":           status,
			"consecutive_wins": consecutiveWins,
		},
	})
}
