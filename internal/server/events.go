package server

import (
	"context"
	"sync"
	"time"
)

const (
	// EventFileChanged reports an external change to the watched file.
	EventFileChanged = "file-changed"
	// EventNoticeStaged reports a newly staged notification.
	EventNoticeStaged = "notice-staged"
	// EventNoticeSettled reports a notification leaving the slot.
	EventNoticeSettled = "notice-settled"
	// EventTabsChanged reports a structural change to the tab set.
	EventTabsChanged = "tabs-changed"
)

// Event is pushed to the UI over the SSE stream.
type Event struct {
	Type      string    `json:"type"`
	Path      string    `json:"path,omitempty"`
	NoticeID  string    `json:"notice_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	CanUndo   bool      `json:"can_undo,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventDispatcher fans events out to the connected UI streams. Slow
// subscribers drop events rather than block the publisher.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that is torn down when ctx ends.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, subscriber.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber without blocking.
func (d *EventDispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
