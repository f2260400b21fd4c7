package session

import (
	"log"
	"sync"

	"github.com/zhouzirui/tavern-stage/internal/service/conversation"
)

const subscriberBuffer = 256

// Hub fans one session's events out to its SSE subscribers.
type Hub struct {
	id     string
	mu     sync.Mutex
	subs   map[chan conversation.Event]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub(id string) *Hub {
	return &Hub{id: id, subs: make(map[chan conversation.Event]struct{})}
}

// Subscribe registers a subscriber. The returned func unsubscribes; the
// channel is closed when the hub closes.
func (h *Hub) Subscribe() (<-chan conversation.Event, func()) {
	ch := make(chan conversation.Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers evt to every subscriber without blocking. A subscriber
// whose buffer is full misses the event.
func (h *Hub) Publish(evt conversation.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[session] dropped %s event for slow subscriber of session=%s", evt.Kind, h.id)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
