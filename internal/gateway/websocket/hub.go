// Package websocket is the real-time gateway: it fans session event streams
// out to WebSocket clients through per-session rooms.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/events"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/session"
	ws "github.com/agenthost/agenthost/pkg/websocket"
)

// room is one session's fan-out group. The bus subscription lives exactly as
// long as the room has members.
type room struct {
	clients map[*Client]bool
	sub     bus.Subscription
}

// Hub manages all WebSocket client connections and their session rooms.
type Hub struct {
	host       *session.Host
	bus        bus.EventBus
	dispatcher *ws.Dispatcher

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]*room

	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(host *session.Host, eventBus bus.EventBus, dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		host:       host,
		bus:        eventBus,
		dispatcher: dispatcher,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]*room),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients closes every client connection and tears down all rooms.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	for id, r := range h.rooms {
		if r.sub != nil {
			_ = r.sub.Unsubscribe()
		}
		delete(h.rooms, id)
	}
}

// removeClient removes a client from the hub and from every room it joined.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for sessionID := range client.subscriptions {
		h.leaveRoomLocked(client, sessionID)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe joins a client to a session room, creating the room and its bus
// subscription on first join.
func (h *Hub) Subscribe(client *Client, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sessionID]
	if !ok {
		sub, err := h.bus.Subscribe(events.BuildSessionSubject(sessionID), func(ctx context.Context, ev *bus.Event) error {
			h.forward(sessionID, ev)
			return nil
		})
		if err != nil {
			return err
		}
		r = &room{clients: make(map[*Client]bool), sub: sub}
		h.rooms[sessionID] = r
	}
	r.clients[client] = true
	client.subscriptions[sessionID] = true

	h.logger.Debug("Client joined room",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
	return nil
}

// Unsubscribe removes a client from a session room. The last member leaving
// drops the bus subscription.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, sessionID)
	h.leaveRoomLocked(client, sessionID)
}

func (h *Hub) leaveRoomLocked(client *Client, sessionID string) {
	r, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(r.clients, client)
	if len(r.clients) == 0 {
		if r.sub != nil {
			_ = r.sub.Unsubscribe()
		}
		delete(h.rooms, sessionID)
	}
}

// forward pushes one bus event to every room member. A member whose outbound
// queue is full is a slow consumer and gets disconnected rather than letting
// it stall the stream for everyone else.
func (h *Hub) forward(sessionID string, ev *bus.Event) {
	msg, err := ws.NewNotification(ws.ActionSessionEvent, map[string]interface{}{
		"sessionId": sessionID,
		"event":     ev.Data,
	})
	if err != nil {
		h.logger.Error("Failed to build event notification", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[sessionID]
	var slow []*Client
	if ok {
		for client := range r.clients {
			select {
			case client.send <- data:
			default:
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Disconnecting slow consumer",
			zap.String("client_id", client.ID),
			zap.String("session_id", sessionID))
		client.closeSlow()
		go h.removeClient(client)
	}
}

// RoomSize reports the number of clients in a session's room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[sessionID]; ok {
		return len(r.clients)
	}
	return 0
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
