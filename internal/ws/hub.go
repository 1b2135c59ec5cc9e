package ws

import (
	"errors"
	"log/slog"
	"sync"
)

// HubConfig configures a Hub.
type HubConfig struct {
	Logger *slog.Logger
}

// Hub tracks connected clients and the rooms they joined.
type Hub struct {
	logger *slog.Logger

	// mu also serializes broadcasts, so every member of a room sees
	// broadcasts to it in emission order.
	mu sync.Mutex

	// clients maps client ID to client
	clients map[string]*Client

	// rooms maps room name to the set of member client IDs
	rooms map[string]map[string]struct{}

	// memberships maps client ID to the rooms it joined
	memberships map[string]map[string]struct{}
}

// NewHub creates a new Hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Hub{
		logger:      cfg.Logger,
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
}

// Unregister removes a client from the hub and from every room.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveAllLocked(client.ID)
	delete(h.clients, client.ID)
}

// Join adds a client to a room.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}

	h.rooms[room][client.ID] = struct{}{}

	if h.memberships[client.ID] == nil {
		h.memberships[client.ID] = make(map[string]struct{})
	}

	h.memberships[client.ID][room] = struct{}{}
}

// Leave removes a client from a room.
func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(client.ID, room)
}

// LeaveAll removes a client from every room it joined.
func (h *Hub) LeaveAll(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveAllLocked(client.ID)
}

// RemoveRoom drops a room and all its memberships.
func (h *Hub) RemoveRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for clientID := range h.rooms[room] {
		h.leaveLocked(clientID, room)
	}
}

func (h *Hub) leaveLocked(clientID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, clientID)

		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}

	if joined, ok := h.memberships[clientID]; ok {
		delete(joined, room)

		if len(joined) == 0 {
			delete(h.memberships, clientID)
		}
	}
}

func (h *Hub) leaveAllLocked(clientID string) {
	for room := range h.memberships[clientID] {
		h.leaveLocked(clientID, room)
	}
}

// InRoom reports whether the client joined room.
func (h *Hub) InRoom(client *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.rooms[room][client.ID]

	return ok
}

// Broadcast enqueues msg for every client in any of the rooms, once per
// client, except the one identified by excludeClientID. A client whose
// queue is full is closed; it will resync when it reconnects. It returns
// the number of clients the message was queued for.
func (h *Hub) Broadcast(rooms []string, msg Message, excludeClientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{})
	sent := 0

	for _, room := range rooms {
		for clientID := range h.rooms[room] {
			if clientID == excludeClientID {
				continue
			}

			if _, dup := seen[clientID]; dup {
				continue
			}

			seen[clientID] = struct{}{}

			client, ok := h.clients[clientID]
			if !ok {
				continue
			}

			if err := client.Send(msg); err != nil {
				if errors.Is(err, ErrQueueFull) {
					h.logger.Warn("dropping slow client", "client_id", clientID, "user_id", client.UserID)
					client.Close()
				}

				continue
			}

			sent++
		}
	}

	return sent
}

// DisconnectAll closes every client with a close frame carrying code.
func (h *Hub) DisconnectAll(code int, reason string) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))

	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(code, reason)
	}
}

// RoomSize returns the number of clients in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.rooms[room])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}
