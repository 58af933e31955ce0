package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. Slow
// subscribers fall behind by dropping, never by blocking the engine.
const subscriberBufferSize = 64

// NotificationType tags the kind of run notification.
type NotificationType string

const (
	NotifyJobStarted  NotificationType = "job-started"
	NotifyJobProgress NotificationType = "job-progress"
	NotifyJobTerminal NotificationType = "job-terminal"
)

// Notification is one run-scoped event published by the engine or a worker.
type Notification struct {
	Type       NotificationType `json:"type"`
	JobID      string           `json:"job_id"`
	TaskID     string           `json:"task_id"`
	Stage      string           `json:"stage,omitempty"`
	Message    string           `json:"message,omitempty"`
	TokensUsed int              `json:"tokens_used"`
	Status     string           `json:"status,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Bus is an in-memory fan-out channel for Notifications. A Bus is owned by
// one engine run and lives exactly as long as that run; it is injected, not
// shared process-wide.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notification
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan Notification)}
}

// Subscribe registers a subscriber and returns its channel and subscription
// id. The subscription is removed and its channel closed when ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Notification, string) {
	subID := uuid.New().String()
	ch := make(chan Notification, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids
// are ignored.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[subID]; ok {
		delete(b.subscribers, subID)
		close(ch)
	}
}

// Publish delivers n to every subscriber. Delivery is non-blocking: a
// subscriber whose buffer is full misses the notification.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	// Sends are non-blocking, so holding the read lock here is cheap and
	// keeps Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}
