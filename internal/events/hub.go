// Package events is the in-process notification bus between the registry,
// the scheduler, and the control channel's event stream.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/cronus/pkg/protocol"
)

// subscriberBuffer is the per-subscriber queue depth. Publishing never
// blocks: a subscriber that falls this far behind starts losing events.
const subscriberBuffer = 16

// Hub fans events out to subscribers. All methods are safe for concurrent
// use. The zero value is not usable; call NewHub.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[chan protocol.Event]struct{}
	closed bool

	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "events"),
		subs:   make(map[chan protocol.Event]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away; afterwards the channel is closed.
// Subscribing to a closed hub yields an already-closed channel.
func (h *Hub) Subscribe() (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.subs[ch] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Events to a full
// subscriber queue are dropped and counted. A zero timestamp is filled in.
func (h *Hub) Publish(ev protocol.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debug("event dropped for slow subscriber", "type", ev.Type)
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
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

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
