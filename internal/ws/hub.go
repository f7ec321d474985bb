package ws

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/zonechat/internal/message"
	"github.com/christopherjohns/zonechat/internal/metrics"
	"github.com/christopherjohns/zonechat/internal/room"
)

// Client represents a connected WebSocket session.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	closed  atomic.Bool
	id      string
	limiter *rate.Limiter

	mu sync.Mutex
	// rooms maps each joined room to the user ids that joined it through
	// this connection.
	rooms map[string]map[string]struct{}
}

func newClient(conn *websocket.Conn, limiter *rate.Limiter) *Client {
	return &Client{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		id:      uuid.NewString(),
		limiter: limiter,
		rooms:   make(map[string]map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Hub fans messages out to the connections associated with each room.
// User membership lives in the room.Registry; the hub keeps the registry
// and its own connection sets consistent by mutating both under one lock.
type Hub struct {
	mu       sync.Mutex
	registry *room.Registry
	rooms    map[string]map[*Client]struct{}
	conns    *ConnManager
	metrics  *metrics.Collector
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithConnManager replaces the default connection manager.
func WithConnManager(cm *ConnManager) HubOption {
	return func(h *Hub) {
		h.conns = cm
	}
}

// WithMetrics records hub activity on c.
func WithMetrics(c *metrics.Collector) HubOption {
	return func(h *Hub) {
		h.metrics = c
	}
}

// NewHub creates a Hub over registry.
func NewHub(registry *room.Registry, opts ...HubOption) *Hub {
	h := &Hub{
		registry: registry,
		rooms:    make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.conns == nil {
		h.conns = NewConnManager()
	}
	return h
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Registry returns the room registry backing this hub.
func (h *Hub) Registry() *room.Registry {
	return h.registry
}

// Join adds userID to roomID on behalf of c, acknowledges to c and tells
// the room's other connections. An unknown room returns
// room.ErrInvalidRoom and changes nothing.
func (h *Hub) Join(c *Client, userID, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	count, err := h.registry.Join(userID, roomID)
	if err != nil {
		return err
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	c.mu.Lock()
	if c.rooms[roomID] == nil {
		c.rooms[roomID] = make(map[string]struct{})
	}
	c.rooms[roomID][userID] = struct{}{}
	c.mu.Unlock()

	h.emit(c, message.EventJoinedRoom, message.RoomAck{Room: roomID})
	h.broadcastLocked(roomID, c, message.EventUserJoined, message.RosterChange{UserID: userID, UserCount: count})
	h.metrics.SetRoomMembers(roomID, count)

	zap.L().Info("ws: user joined room",
		zap.String("conn", c.id),
		zap.String("user", userID),
		zap.String("room", roomID),
		zap.Int("members", count),
	)
	return nil
}

// Leave removes userID from roomID. Every connection that joined roomID
// as userID loses that association and is detached from the room once it
// holds no other user id there, so fan-out always matches the roster.
// Leaving a room the user is not in is acknowledged like any other leave.
func (h *Hub) Leave(c *Client, userID, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	count, removed, err := h.registry.Leave(userID, roomID)
	if err != nil {
		return err
	}
	for holder := range h.rooms[roomID] {
		h.detachLocked(holder, userID, roomID)
	}

	h.emit(c, message.EventLeftRoom, message.RoomAck{Room: roomID})
	if removed {
		h.broadcastLocked(roomID, c, message.EventUserLeft, message.RosterChange{UserID: userID, UserCount: count})
		h.metrics.SetRoomMembers(roomID, count)
		zap.L().Info("ws: user left room",
			zap.String("conn", c.id),
			zap.String("user", userID),
			zap.String("room", roomID),
			zap.Int("members", count),
		)
	}
	return nil
}

// Send relays payload verbatim to every connection in roomID except c.
// The sender need not have joined the room. It returns the number of
// connections the frame was queued for.
func (h *Hub) Send(c *Client, userID, roomID string, payload json.RawMessage) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.registry.Valid(roomID) {
		return 0, room.ErrInvalidRoom
	}
	n := h.broadcastLocked(roomID, c, message.EventReceiveMessage, payload)
	zap.L().Debug("ws: message sent",
		zap.String("conn", c.id),
		zap.String("user", userID),
		zap.String("room", roomID),
		zap.Int("recipients", n),
	)
	return n, nil
}

// Disconnect purges every membership c holds, as if it had left each
// room, and notifies the remaining members. A user id that another live
// connection also joined the room with stays a member.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	joined := c.rooms
	c.rooms = make(map[string]map[string]struct{})
	c.mu.Unlock()

	for roomID, users := range joined {
		if clients, ok := h.rooms[roomID]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.rooms, roomID)
			}
		}
		for userID := range users {
			if h.heldLocked(roomID, userID) {
				continue
			}
			count, removed, err := h.registry.Leave(userID, roomID)
			if err != nil || !removed {
				continue
			}
			h.broadcastLocked(roomID, c, message.EventUserLeft, message.RosterChange{UserID: userID, UserCount: count})
			h.metrics.SetRoomMembers(roomID, count)
			zap.L().Info("ws: user removed on disconnect",
				zap.String("conn", c.id),
				zap.String("user", userID),
				zap.String("room", roomID),
			)
		}
	}
}

// ClientCount returns the number of connections attached to a room.
func (h *Hub) ClientCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// detachLocked drops c's (userID, roomID) association and removes c from
// roomID's connection set when no user id of c remains there. Must be
// called while holding mu.
func (h *Hub) detachLocked(c *Client, userID, roomID string) {
	c.mu.Lock()
	users, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(users, userID)
	empty := len(users) == 0
	if empty {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()

	if !empty {
		return
	}
	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// heldLocked reports whether any attached connection joined roomID as
// userID. Must be called while holding mu.
func (h *Hub) heldLocked(roomID, userID string) bool {
	for c := range h.rooms[roomID] {
		c.mu.Lock()
		_, ok := c.rooms[roomID][userID]
		c.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// broadcastLocked queues an event for every connection in roomID except
// skip. Must be called while holding mu.
func (h *Hub) broadcastLocked(roomID string, skip *Client, event message.Event, payload any) int {
	clients := h.rooms[roomID]
	if len(clients) == 0 || (len(clients) == 1 && containsClient(clients, skip)) {
		return 0
	}
	data, err := message.Encode(event, payload)
	if err != nil {
		zap.L().Error("ws: failed to encode broadcast", zap.String("event", string(event)), zap.Error(err))
		return 0
	}
	n := 0
	for c := range clients {
		if c == skip {
			continue
		}
		if h.conns.Send(c, data) {
			n++
		}
	}
	h.metrics.Delivered(n)
	return n
}

func containsClient(set map[*Client]struct{}, c *Client) bool {
	_, ok := set[c]
	return ok
}

// emit queues a single event for c.
func (h *Hub) emit(c *Client, event message.Event, payload any) {
	data, err := message.Encode(event, payload)
	if err != nil {
		zap.L().Error("ws: failed to encode event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.conns.Send(c, data)
}
