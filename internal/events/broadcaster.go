// Package events provides an SSE event broadcaster for device state changes.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/pkg/protocol"
)

const (
	EventWifiAdded     = "wifi_added"
	EventWifiCleared   = "wifi_cleared"
	EventFileDeleted   = "file_deleted"
	EventUpdateStaged  = "update_staged"
	EventUpdateApplied = "update_applied"
	EventUpdateFailed  = "update_failed"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Event is a device state change pushed to browsers.
type Event = protocol.Event

// Publisher is implemented by Broadcaster. Services depend on this so they can
// run without an SSE endpoint.
type Publisher interface {
	Publish(Event)
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(n)
}

// Publish sends an event to all subscribers. Non-blocking: events are dropped
// for consumers whose buffer is full.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
