package websocket

import (
	"log/slog"
	"sync"

	"github.com/idbugm99/musenest-sub001/internal/types"
)

// Hub maintains the set of connected progress listeners, grouped by the
// owner scope they watch. Several admin clients may watch one owner at
// once (multiple tabs following the same batch job).
type Hub struct {
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	broadcast chan *BroadcastMessage
}

// BroadcastMessage targets every listener of one owner scope.
type BroadcastMessage struct {
	OwnerID string       `json:"owner_id"`
	Event   *types.Event `json:"event"`
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 64),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.ownerID] == nil {
				h.clients[client.ownerID] = make(map[*Client]bool)
			}
			h.clients[client.ownerID][client] = true
			h.mu.Unlock()
			slog.Info("Progress listener connected", slog.String("owner_id", client.ownerID))

		case client := <-h.unregister:
			h.mu.Lock()
			if listeners, ok := h.clients[client.ownerID]; ok && listeners[client] {
				delete(listeners, client)
				close(client.send)
				if len(listeners) == 0 {
					delete(h.clients, client.ownerID)
				}
				slog.Info("Progress listener disconnected", slog.String("owner_id", client.ownerID))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.broadcastToOwner(message.OwnerID, message.Event)
		}
	}
}

// RegisterClient registers a new client
func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient unregisters a client
func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

// BroadcastToOwner sends an event to every listener of one owner scope.
// Delivery is best-effort; the pipeline never blocks on a slow listener.
func (h *Hub) BroadcastToOwner(ownerID string, event *types.Event) {
	message := &BroadcastMessage{
		OwnerID: ownerID,
		Event:   event,
	}

	select {
	case h.broadcast <- message:
	default:
		slog.Warn("Broadcast channel is full, dropping event",
			slog.String("owner_id", ownerID),
			slog.String("type", string(event.Type)))
	}
}

func (h *Hub) broadcastToOwner(ownerID string, event *types.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[ownerID] {
		if err := client.SendEvent(event); err != nil {
			slog.Error("Failed to send event to listener",
				slog.String("owner_id", ownerID),
				slog.String("error", err.Error()))
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
}

// IsOwnerConnected reports whether any listener watches the owner scope.
func (h *Hub) IsOwnerConnected(ownerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[ownerID]) > 0
}

// ListenerCount returns the number of connected listeners.
func (h *Hub) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, listeners := range h.clients {
		n += len(listeners)
	}
	return n
}
