// Package notify carries change notifications from the core to connected
// observers. The Broadcaster fans each message out to every subscriber;
// slow subscribers drop messages rather than stall mutations.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Message types pushed to observers.
const (
	TypeThoughtUpdate = "thought_update"
	TypeThoughtDelete = "thought_delete"
	TypeEventLog      = "event_log"
	TypeStatusUpdate  = "status_update"
	TypeError         = "error"
	TypeInit          = "init"
	TypeSettings      = "settings"
)

// Message is one push to observers. Payload is the plain entity shape
// (Thought, Event, status map, ...) serialized as-is.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// subscriberBuffer bounds how far a subscriber may lag before drops begin.
const subscriberBuffer = 64

// Broadcaster fans notifications out to subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
	closed bool
	logger *zap.Logger
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan Message),
		logger: logger.Named("notify"),
	}
}

// Subscribe registers a new observer. The returned cancel func must be called
// when the observer disconnects.
func (b *Broadcaster) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Message, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers msg to every subscriber, dropping on full buffers.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("dropping notification for slow subscriber",
				zap.Int("subscriber", id), zap.String("type", msg.Type))
		}
	}
}

// SubscriberCount returns the number of connected observers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Error is a convenience for publishing an error notification tied to a Thought.
func (b *Broadcaster) Error(thoughtID, message string) {
	b.Publish(Message{Type: TypeError, Payload: map[string]any{
		"thoughtId": thoughtID,
		"message":   message,
	}})
}

// Status is a convenience for publishing a status_update notification.
func (b *Broadcaster) Status(payload map[string]any) {
	b.Publish(Message{Type: TypeStatusUpdate, Payload: payload})
}
