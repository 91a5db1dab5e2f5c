package stream

import (
	"context"
	"sync"

	"licensehub.org/internal/audit"
)

// Hub fans usage events out to live subscribers (SSE clients).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan audit.Event
	next int
	buf  int
}

// New returns an empty hub. Each subscriber buffers up to buffer events.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]chan audit.Event), buf: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan audit.Event {
	ch := make(chan audit.Event, h.buf)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (h *Hub) Publish(evt audit.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Record publishes e, satisfying audit.Recorder.
func (h *Hub) Record(_ context.Context, e audit.Event) error {
	h.Publish(e)
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
