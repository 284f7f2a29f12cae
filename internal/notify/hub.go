// Package notify fans out asynchronous notifications (connection state,
// quality level, delivery state) to any number of subscribers.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindConnectionState Kind = "connection.state"
	KindQualityLevel    Kind = "quality.level"
	KindDeliveryState   Kind = "delivery.state"
)

// Notification is one published event. Payload holds the producer's change
// value (connection.StateChange, quality.Change or delivery.Change).
type Notification struct {
	Kind    Kind
	At      time.Time
	Payload any
}

// Subscriber receives notifications on C until it is unsubscribed.
type Subscriber struct {
	C  <-chan Notification
	ch chan Notification
}

// Hub manages all subscribers and handles broadcast.
type Hub struct {
	subscribers map[*Subscriber]bool
	mu          sync.RWMutex
	log         *zap.Logger
	dropped     atomic.Uint64
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		log:         logger,
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Notification, buffer)
	sub := &Subscriber{C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = true
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[sub] {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers n to every subscriber without blocking. A subscriber whose
// buffer is full misses the notification. It returns how many subscribers
// received it.
func (h *Hub) Publish(n Notification) int {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subscribers {
		select {
		case sub.ch <- n:
			delivered++
		default:
			h.dropped.Add(1)
			h.log.Warn("subscriber buffer full, dropping notification", zap.String("kind", string(n.Kind)))
		}
	}
	return delivered
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}
