package events

import (
	"context"
	"sync"

	"medcash/internal/domain"
)

const subscriberBuffer = 16

// Hub is an in-process publisher feeding server-sent event streams. A
// subscriber whose buffer is full misses the event rather than stalling the
// publisher.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
	closed bool
}

type subscriber struct {
	storeID string
	ch      chan domain.LedgerEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers for events of storeID, or every store when storeID is
// empty. The returned cancel func closes the channel and is safe to call twice.
// After Close, Subscribe hands out an already closed channel.
func (h *Hub) Subscribe(storeID string) (<-chan domain.LedgerEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.LedgerEvent, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = subscriber{storeID: storeID, ch: ch}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dropLocked(id)
	}
	return ch, cancel
}

// Close ends every open subscription so that streams reading from the hub
// return.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id := range h.subs {
		h.dropLocked(id)
	}
}

// dropLocked removes and closes a subscription. Channels are only closed
// here, under the write lock, so Publish never sends on a closed channel.
func (h *Hub) dropLocked(id int) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

func (h *Hub) Publish(_ context.Context, event domain.LedgerEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.storeID != "" && sub.storeID != event.StoreID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
