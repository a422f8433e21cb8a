// Package progress broadcasts advisory import progress to subscribers.
// Delivery is best effort: a slow subscriber loses events rather than
// stalling the import, and dropped events never affect the outcome.
package progress

import (
	"sync"
)

// Stage names a phase of the import pipeline.
type Stage string

const (
	StageExtract     Stage = "extract"
	StageFingerprint Stage = "fingerprint"
	StagePersist     Stage = "persist"
	StageCommit      Stage = "commit"
	StageDone        Stage = "done"
	StageError       Stage = "error"
)

// Event is one progress update for an import run.
type Event struct {
	BatchID   string `json:"batchId"`
	AccountID string `json:"accountId"`
	Stage     Stage  `json:"stage"`
	// Processed and Total count records through the current stage. Total
	// is 0 while unknown.
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// Subscriber receives events on its channel until unsubscribed.
type Subscriber struct {
	Events chan Event
}

// Hub fans events out to all subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	closed      bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber with a buffered event channel.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &Subscriber{Events: make(chan Event, 32)}
	if h.closed {
		close(sub.Events)
		return sub
	}
	h.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.Events)
	}
}

// Broadcast delivers the event to every subscriber that can accept it
// immediately. Full channels drop the event.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subscribers {
		select {
		case sub.Events <- event:
		default:
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.Events)
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
