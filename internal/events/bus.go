// Package events distributes portal and collector events to in-process
// subscribers and records them in an append-only journal.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventListChanged: productions were added to or removed from the list.
	EventListChanged EventType = "list_changed"
	// EventPropertiesChanged: only status fields of listed productions changed.
	EventPropertiesChanged EventType = "properties_changed"

	EventProductionStarted  EventType = "production_started"
	EventProductionProgress EventType = "production_progress"
	EventProductionStopped  EventType = "production_stopped"
	EventProductionOrdered  EventType = "production_ordered"

	EventCollectorCycle EventType = "collector_cycle"
)

// AllTypes lists every event type in publication order of a typical session.
var AllTypes = []EventType{
	EventListChanged,
	EventPropertiesChanged,
	EventProductionStarted,
	EventProductionProgress,
	EventProductionStopped,
	EventProductionOrdered,
	EventCollectorCycle,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events through one buffered channel per subscriber. Publish
// never blocks: when a subscriber's buffer is full the event is dropped for
// that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	logger      zerolog.Logger
}

func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe calls fn on its own goroutine for each event of eventType.
// It returns the unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("subscriber panicked")
		}
	}()
	fn(event)
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.logger.Debug().Str("event", string(eventType)).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close ends all subscriptions. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
