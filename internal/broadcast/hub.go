// Package broadcast fans progress events out to websocket subscribers
// grouped by run topic. A topic ("room") is named owner/humanID; clients
// join and leave rooms explicitly and receive membership-count events.
package broadcast

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"render-orchestrator/internal/telemetry"
)

// Event is the wire shape of everything the hub sends.
type Event struct {
	Type     string   `json:"type"`
	Room     string   `json:"room,omitempty"`
	Members  int      `json:"members,omitempty"`
	Target   string   `json:"target,omitempty"`
	Status   string   `json:"status,omitempty"`
	Progress float64  `json:"progress,omitempty"`
	ETA      *float64 `json:"eta,omitempty"`
}

// Hub owns the live client set and room membership. It is the explicit
// session table: constructed once and passed into the API server.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan Event, 64),
		done:  make(chan struct{}),
		rooms: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	telemetry.BroadcastClients.Inc()

	go client.writePump()
	go client.readPump()
}

// Publish fans a progress event out to the target room's members. Slow
// subscribers are skipped rather than blocked on; delivery is at most once.
func (h *Hub) Publish(target, status string, progress float64, eta *float64) {
	event := Event{
		Type:     "message",
		Target:   target,
		Status:   status,
		Progress: progress,
		ETA:      eta,
	}
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[target]))
	for client := range h.rooms[target] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		select {
		case client.send <- event:
			telemetry.BroadcastMessages.Inc()
		default:
			// Channel full - skip
		}
	}
}

// join subscribes the client and broadcasts the room's member count.
func (h *Hub) join(c *Client, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
	members := len(h.rooms[room])
	h.mu.Unlock()

	h.announce(room, Event{Type: "joined", Room: room, Members: members})
}

// leave unsubscribes the client and broadcasts the remaining member count.
func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	members, left := h.removeLocked(c, room)
	h.mu.Unlock()
	if left {
		h.announce(room, Event{Type: "left", Room: room, Members: members})
	}
}

// unregister drops the client entirely, emitting a left event for every room
// it had joined using the membership size it last knew. The send channel is
// left open: Publish and announce snapshot members before sending, so a
// concurrent fan-out may still target this client, and closing send here
// would panic that sender. writePump shuts down via done instead.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	type departure struct {
		room    string
		members int
	}
	var departures []departure
	for room := range c.rooms {
		members, left := h.removeLocked(c, room)
		if left {
			departures = append(departures, departure{room: room, members: members})
		}
	}
	h.mu.Unlock()

	telemetry.BroadcastClients.Dec()
	for _, d := range departures {
		h.announce(d.room, Event{Type: "left", Room: d.room, Members: d.members})
	}
	close(c.done)
}

// removeLocked detaches the client from a room. Caller holds h.mu.
func (h *Hub) removeLocked(c *Client, room string) (members int, left bool) {
	peers, ok := h.rooms[room]
	if !ok || !peers[c] {
		return 0, false
	}
	delete(peers, c)
	delete(c.rooms, room)
	if len(peers) == 0 {
		delete(h.rooms, room)
	}
	return len(peers), true
}

// announce sends a membership event to a room's current members.
func (h *Hub) announce(room string, event Event) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		select {
		case client.send <- event:
		default:
		}
	}
}

// RoomSize reports the current member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
