package gateway

import (
	"sync"

	"github.com/Skotchmaster/shop_assistant/internal/pipeline"
	"github.com/Skotchmaster/shop_assistant/internal/pubsub"
)

// Hub tracks the clients connected to this instance.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: map[*Client]struct{}{}}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers a system event to every local client. It is the single
// local delivery path for events, whatever instance they came from.
func (h *Hub) Broadcast(ev pubsub.Event) {
	frame := pipeline.SystemFrame{System: ev}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.Send(frame)
	}
}

// CloseAll closes every local client. Their handlers then run the normal
// disconnect path.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.Close()
	}
}
