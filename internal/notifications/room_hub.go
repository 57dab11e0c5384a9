// Package notifications provides real-time delivery of room events to
// connected websocket clients, locally and across processes via Redis.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofiber/websocket/v2"

	"lecturechat/internal/models"
)

// RoomHub manages websocket connections grouped by chat room. It is
// room-centric: a client subscribes to rooms and every room event fans out
// to all clients subscribed there.
type RoomHub struct {
	mu sync.RWMutex

	// Map: roomID -> set of subscribed clients.
	rooms map[string]map[*Client]struct{}

	// Map: userID -> set of active clients (multi-device support).
	userConns map[string]map[*Client]struct{}

	// Map: client -> set of roomIDs it subscribed to.
	clientRooms map[*Client]map[string]struct{}
}

// NewRoomHub creates a new RoomHub instance.
func NewRoomHub() *RoomHub {
	return &RoomHub{
		rooms:       make(map[string]map[*Client]struct{}),
		userConns:   make(map[string]map[*Client]struct{}),
		clientRooms: make(map[*Client]map[string]struct{}),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *RoomHub) Name() string { return "room hub" }

// Register registers a websocket connection for the given identity. Returns
// an error when the per-user connection limit is exceeded.
func (h *RoomHub) Register(identity models.Identity, sessionID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.userConns[identity.UserID] == nil {
		h.userConns[identity.UserID] = make(map[*Client]struct{})
	}
	if len(h.userConns[identity.UserID]) >= maxConnsPerUser {
		return nil, fmt.Errorf("user connection limit reached")
	}

	client := NewClient(h, conn, identity, sessionID)
	h.userConns[identity.UserID][client] = struct{}{}
	h.clientRooms[client] = make(map[string]struct{})

	slog.Debug("registered websocket client", "userId", identity.UserID, "clients", len(h.userConns[identity.UserID]))
	return client, nil
}

// UnregisterClient removes a connection and its room subscriptions.
func (h *RoomHub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.userConns[client.Identity.UserID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.userConns, client.Identity.UserID)
	}

	for roomID := range h.clientRooms[client] {
		h.removeFromRoomLocked(roomID, client)
	}
	delete(h.clientRooms, client)

	slog.Debug("unregistered websocket client", "userId", client.Identity.UserID)
}

// JoinRoom subscribes a client to a room's events.
func (h *RoomHub) JoinRoom(roomID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][client] = struct{}{}

	if h.clientRooms[client] == nil {
		h.clientRooms[client] = make(map[string]struct{})
	}
	h.clientRooms[client][roomID] = struct{}{}
}

// LeaveRoom unsubscribes a client from a room.
func (h *RoomHub) LeaveRoom(roomID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomLocked(roomID, client)
	if rooms, ok := h.clientRooms[client]; ok {
		delete(rooms, roomID)
	}
}

func (h *RoomHub) removeFromRoomLocked(roomID string, client *Client) {
	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// BroadcastToRoom sends raw bytes to every client subscribed to the room.
func (h *RoomHub) BroadcastToRoom(roomID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		client.TrySend(message)
	}
}

// BroadcastToRoomExcept sends to every subscribed client except the
// connections owned by exceptUserID. Used for join announcements where the
// joining user should not see their own arrival.
func (h *RoomHub) BroadcastToRoomExcept(roomID, exceptUserID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		if client.Identity.UserID == exceptUserID {
			continue
		}
		client.TrySend(message)
	}
}

// SendToClient delivers a message to one connection only.
func (h *RoomHub) SendToClient(client *Client, message []byte) {
	client.TrySend(message)
}

// ConnectedUserIDs returns the set of user ids with at least one client
// subscribed to the room on this process.
func (h *RoomHub) ConnectedUserIDs(roomID string) map[string]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]struct{})
	for client := range h.rooms[roomID] {
		out[client.Identity.UserID] = struct{}{}
	}
	return out
}

// IsUserConnected reports whether the user has any client in the room on
// this process.
func (h *RoomHub) IsUserConnected(roomID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		if client.Identity.UserID == userID {
			return true
		}
	}
	return false
}

// StartWiring connects the hub to Redis pub/sub so events published by
// other processes reach this process's clients. Events that originated
// here were already broadcast locally and are dropped by origin id.
func (h *RoomHub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartRoomSubscriber(ctx, func(roomID string, env Envelope) {
		if env.Origin == n.Origin() {
			return
		}
		raw, err := json.Marshal(WireMessage{Event: env.Event, Payload: env.Payload})
		if err != nil {
			slog.Error("failed to marshal relayed event", "event", env.Event, "error", err)
			return
		}
		h.BroadcastToRoom(roomID, raw)
	})
}

// Shutdown gracefully closes all websocket connections.
func (h *RoomHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, clients := range h.userConns {
		for client := range clients {
			if err := client.Conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"event":"server-shutdown","payload":{"message":"Server is shutting down"}}`)); err != nil {
				slog.Warn("failed to write shutdown message", "userId", userID, "error", err)
			}
			if err := client.Conn.Close(); err != nil {
				slog.Warn("failed to close websocket", "userId", userID, "error", err)
			}
		}
	}

	h.rooms = make(map[string]map[*Client]struct{})
	h.userConns = make(map[string]map[*Client]struct{})
	h.clientRooms = make(map[*Client]map[string]struct{})

	return nil
}
