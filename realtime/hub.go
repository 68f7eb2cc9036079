// Package realtime pushes event updates to connected browsers over
// websockets. Connections are tracked per user so visibility-scoped pushes
// can target only the owner's sessions.
package realtime

import (
	"sync"

	"github.com/fedivent/fedivent/logging"
	"github.com/google/uuid"
)

// Message is the envelope sent to clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub tracks active connections and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan targetedMessage

	done chan struct{}
}

type targetedMessage struct {
	msg    Message
	target *uuid.UUID // nil means every connection
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan targetedMessage, 64),
		done:       make(chan struct{}),
	}
}

// Run processes register/unregister/broadcast events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logging.Debug().Str("user", client.userId.String()).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case tm := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if tm.target != nil && client.userId != *tm.target {
					continue
				}
				select {
				case client.send <- tm.msg:
				default:
					// Slow consumer, drop the connection rather than block
					// the hub.
					go func(c *Client) { h.unregister <- c }(client)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.done)
}

// Broadcast sends a message to the target user's connections, or to every
// connection when target is nil.
func (h *Hub) Broadcast(eventType string, payload interface{}, target *uuid.UUID) {
	select {
	case h.broadcast <- targetedMessage{msg: Message{Type: eventType, Payload: payload}, target: target}:
	default:
		logging.Warn().Str("type", eventType).Msg("realtime broadcast dropped, hub backlog full")
	}
}

// Notify pushes a user-facing notification to the account's connections.
func (h *Hub) Notify(accountId uuid.UUID, kind string, message string) {
	id := accountId
	h.Broadcast("notification", map[string]string{"kind": kind, "message": message}, &id)
}

// ClientCount returns the number of active connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
