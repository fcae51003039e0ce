// Package events provides the change broadcaster behind the push channels.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// SubscriberBuffer is the number of events a subscriber may fall behind
// before further events are dropped for it.
const SubscriberBuffer = 64

// Event is one change notification. Type is one of the protocol.Event*
// names and Data is the matching protocol payload.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// FilesUploaded builds the single event emitted for one upload request.
func FilesUploaded(files []protocol.FileEntry) Event {
	if files == nil {
		files = []protocol.FileEntry{}
	}
	return Event{Type: protocol.EventFilesUploaded, Data: protocol.FilesUploadedPayload{Files: files}}
}

// FileUpdated builds the event emitted after a save.
func FileUpdated(path, content string) Event {
	return Event{Type: protocol.EventFileUpdated, Data: protocol.FileUpdatedPayload{Path: path, Content: content}}
}

// FileDeleted builds the event emitted after a delete.
func FileDeleted(path string) Event {
	return Event{Type: protocol.EventFileDeleted, Data: protocol.FileDeletedPayload{Path: path}}
}

// CommandExecuted builds the event emitted for every command invocation.
func CommandExecuted(result protocol.CommandResult) Event {
	return Event{Type: protocol.EventCommandOutput, Data: protocol.CommandOutputPayload{Output: result}}
}

// TreeChanged builds the event emitted when the watcher sees out-of-band changes.
func TreeChanged(paths []string) Event {
	return Event{Type: protocol.EventTreeChanged, Data: protocol.TreeChangedPayload{Paths: paths}}
}

// Publisher is implemented by anything that accepts change events.
type Publisher interface {
	Publish(event Event)
}

// Broadcaster manages push subscribers and publishes events.
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
	ch := make(chan Event, SubscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(n))
	logging.Debug("subscriber connected", logging.Int("subscribers", n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Calling it
// twice for the same channel is a no-op.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(n))
	logging.Debug("subscriber disconnected", logging.Int("subscribers", n))
}

// Publish sends an event to every current subscriber. Non-blocking: a
// subscriber whose buffer is full misses the event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			metrics.RecordEventDropped(event.Type)
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber. Their channels are closed so push
// handlers return.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetSubscribersActive(0)
}

// MarshalEvent serializes the event payload for the wire.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e.Data)
}
