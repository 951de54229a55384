package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event
type EventType string

const (
	EventTopologyLoaded   EventType = "topology_loaded"   // first topology, or a changed one replaced it
	EventTopologyEdited   EventType = "topology_edited"   // an editor session committed
	EventDiscoveryFailed  EventType = "discovery_failed"  // a discovery pass failed or its facts were rejected
	EventLoadFailed       EventType = "load_failed"       // facts loaded, imported or restored directly were rejected
	EventSnapshotSaved    EventType = "snapshot_saved"    // a new snapshot was stored
	EventSnapshotRestored EventType = "snapshot_restored" // a snapshot replaced the live topology
)

// Event represents an event that occurred in the service
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	Generation uint64    `json:"generation,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}

// EventBus fans events out to subscribers. Publishing never blocks: a
// subscriber whose channel is full misses the event.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan<- Event
	next        int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[int]chan<- Event)}
}

// Subscribe adds a subscriber and returns the function removing it
func (eb *EventBus) Subscribe(ch chan<- Event) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.next
	eb.next++
	eb.subscribers[id] = ch
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.subscribers, id)
	}
}

// Publish stamps event with an ID and time when unset and sends it to all
// subscribers. It returns the stamped event.
func (eb *EventBus) Publish(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip
		}
	}
	return event
}

// EventName names the event on server-sent event streams
func (e Event) EventName() string { return string(e.Type) }
