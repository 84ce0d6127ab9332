// Package events provides the pub/sub bus connecting the transfer core to
// its observers (CLI progress rendering, desktop notifications, logging).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aerolink/mediasync/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	// Connection link events
	EventLinkState EventType = "link_state" // Transport connection state transition

	// Transfer lifecycle events, published per leg
	EventTransferQueued    EventType = "transfer_queued"    // Files added to a leg's pending set
	EventTransferStarted   EventType = "transfer_started"   // Leg began streaming (bytes moving)
	EventTransferProgress  EventType = "transfer_progress"  // Per-chunk progress update
	EventTransferPaused    EventType = "transfer_paused"    // Leg paused (user or forced)
	EventTransferResumed   EventType = "transfer_resumed"   // Leg resumed
	EventTransferCompleted EventType = "transfer_completed" // Both sets drained, state torn down
	EventTransferStopped   EventType = "transfer_stopped"   // Leg stopped by user
	EventFileCompleted     EventType = "file_completed"     // One file finished on a leg

	// Aggregated notices
	EventFilesSkipped EventType = "files_skipped" // N files excluded from a request
	EventFailure      EventType = "failure"       // Terminal command failure surfaced
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// LinkStateEvent reports a transport connection state transition.
type LinkStateEvent struct {
	BaseEvent
	Link     string // "device" or "server"
	OldState string
	NewState string
}

// TransferEvent reports transfer lifecycle and progress for one leg.
type TransferEvent struct {
	BaseEvent
	Leg              string  // "download" or "upload"
	CurrentFile      string  // File currently streaming (empty if idle)
	TransferredBytes int64
	TotalBytes       int64
	TransferredFiles int
	TotalFiles       int
	Speed            float64 // bytes/sec, EMA smoothed
	ForcePaused      bool    // Paused by the system, not the user
}

// FileEvent reports the completion of a single file on a leg.
type FileEvent struct {
	BaseEvent
	Leg  string
	Name string
	Size int64
}

// SkippedEvent aggregates files excluded from a transfer request into a
// single notice instead of one notice per file.
type SkippedEvent struct {
	BaseEvent
	Leg     string
	Count   int
	Reasons []string // One short reason per skipped file, same order as Names
	Names   []string
}

// FailureEvent carries a terminal, user-visible command failure.
type FailureEvent struct {
	BaseEvent
	Title   string
	Message string
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers. Non-blocking: a subscriber with
// a full buffer misses the event rather than stalling the transfer path.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range eb.all {
		close(ch)
	}
}

// Unsubscribe removes a subscription channel from a specific event type.
// This prevents memory leaks from abandoned subscriptions.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel from all event types.
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// PublishLinkState is a convenience method for publishing link transitions.
func (eb *EventBus) PublishLinkState(link, oldState, newState string) {
	eb.Publish(&LinkStateEvent{
		BaseEvent: BaseEvent{EventType: EventLinkState, Time: time.Now()},
		Link:      link,
		OldState:  oldState,
		NewState:  newState,
	})
}

// PublishFailure is a convenience method for publishing terminal failures.
func (eb *EventBus) PublishFailure(title, message string) {
	eb.Publish(&FailureEvent{
		BaseEvent: BaseEvent{EventType: EventFailure, Time: time.Now()},
		Title:     title,
		Message:   message,
	})
}

// GetDroppedEventCount returns the total number of events dropped due to
// full subscriber buffers.
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}
