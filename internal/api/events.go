package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/repograde/internal/orchestrator"
)

// Hub fans task events out to server-sent-event subscribers. A subscriber
// that falls behind loses events instead of stalling the batch.
type Hub struct {
	buffer int

	mu      sync.RWMutex
	subs    map[chan orchestrator.TaskEvent]struct{}
	dropped atomic.Uint64
}

// NewHub creates a Hub with a per-subscriber buffer
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[chan orchestrator.TaskEvent]struct{}),
	}
}

// Sink returns the EventSink to register with the orchestrator
func (h *Hub) Sink() orchestrator.EventSink {
	return h.Publish
}

// Publish delivers ev to every subscriber without blocking
func (h *Hub) Publish(ev orchestrator.TaskEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes.
func (h *Hub) Subscribe() (<-chan orchestrator.TaskEvent, func()) {
	ch := make(chan orchestrator.TaskEvent, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Backlog returns the number of events queued but not yet streamed
func (h *Hub) Backlog() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for ch := range h.subs {
		n += len(ch)
	}
	return n
}

// Dropped returns how many events slow subscribers missed
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// StreamHandler streams task events as server-sent events until the client
// disconnects.
func (h *Hub) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, unsubscribe := h.Subscribe()
		defer unsubscribe()

		// The stream outlives the server write timeout; lift it for this
		// connection. Writers without deadline support are left as they are.
		_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(200)
		c.Writer.Flush()

		done := c.Request.Context().Done()
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				c.SSEvent(string(ev.Kind), ev)
				c.Writer.Flush()
			}
		}
	}
}
