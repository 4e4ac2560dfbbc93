package server

import (
	"context"
	"sync"
	"time"
)

const (
	StageEventChanged      = "stage-change"
	StageEventSynchronized = "stage-synchronized"
	stageEventHeartbeat    = "heartbeat"
	stageEventSource       = "couchstage"
)

// StageEvent announces that a document's stage was persisted.
type StageEvent struct {
	DocumentID string            `json:"document_id"`
	EventType  string            `json:"-"`
	Changes    []StageEventEntry `json:"changes"`
	Revision   string            `json:"revision,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
}

// StageEventEntry is one audited transition inside a StageEvent.
type StageEventEntry struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// StageEventDispatcher fans stage events out to per-document subscribers.
// Slow subscribers drop events instead of blocking publishers.
type StageEventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan StageEvent
	nextID      int64
	bufferSize  int
}

func NewStageEventDispatcher() *StageEventDispatcher {
	return &StageEventDispatcher{
		subscribers: make(map[string]map[int64]chan StageEvent),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for documentID until ctx ends or cleanup runs.
func (d *StageEventDispatcher) Subscribe(ctx context.Context, documentID string) (<-chan StageEvent, func()) {
	if documentID == "" {
		stream := make(chan StageEvent)
		close(stream)
		return stream, func() {}
	}
	stream := make(chan StageEvent, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]chan StageEvent)
	}
	d.subscribers[documentID][subscriberID] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(documentID, subscriberID) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers event to every subscriber of its document.
func (d *StageEventDispatcher) Publish(event StageEvent) {
	if event.DocumentID == "" || event.EventType == "" {
		return
	}
	if event.Source == "" {
		event.Source = stageEventSource
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers[event.DocumentID] {
		select {
		case stream <- event:
		default:
		}
	}
}

func (d *StageEventDispatcher) unsubscribe(documentID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[documentID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, documentID)
	}
}
