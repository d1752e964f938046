// Package events fans bridge events out to the connected application-layer listeners.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// Hub is an EventSink that copies every event to all current subscribers.
// Emit never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan push.Event
	buffer      int
	logger      *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subscribers: make(map[string]chan push.Event),
		buffer:      buffer,
		logger:      logger.With("component", "EventHub"),
	}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (h *Hub) Subscribe() (<-chan push.Event, func()) {
	id := uuid.NewString()
	ch := make(chan push.Event, h.buffer)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Emit(_ context.Context, event push.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.subscribers) == 0 {
		h.logger.Debug("No listeners attached; event dropped", "event", event.Name)
		return nil
	}
	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Warn("Listener is not keeping up; event dropped", "subscriber", id, "event", event.Name)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
