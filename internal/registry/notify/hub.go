package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Hub fans signals out to the in-process subscribers of each conversation.
// Remote notifier plugins feed it from their listener loop.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan struct{}]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[uuid.UUID]map[chan struct{}]struct{}{}}
}

// Subscribe registers a coalescing subscriber until ctx is done.
func (h *Hub) Subscribe(ctx context.Context, conversationID uuid.UUID) <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = map[chan struct{}]struct{}{}
		h.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[conversationID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, conversationID)
			}
		}
		close(ch)
	}()
	return ch
}

// Signal wakes every subscriber of the conversation without blocking.
func (h *Hub) Signal(conversationID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[conversationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers for a conversation.
func (h *Hub) Subscribers(conversationID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

// SignalAll wakes every subscriber. Listener loops call it after reconnecting,
// since changes published while disconnected were lost.
func (h *Hub) SignalAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for ch := range set {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
