package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/zonechat/internal/message"
	"github.com/christopherjohns/zonechat/internal/room"
)

const (
	// invalidRoomMessage is the error text clients match on.
	invalidRoomMessage = "Invalid room name"

	defaultMessagesPerSecond = 10
	defaultMessageBurst      = 20
)

// Handler handles WebSocket upgrade requests and client message loops.
type Handler struct {
	hub            *Hub
	limit          rate.Limit
	burst          int
	originPatterns []string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimit caps the inbound events each connection may send.
func WithRateLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		h.limit = rate.Limit(perSecond)
		h.burst = burst
	}
}

// WithOriginPatterns restricts which browser origins may connect. A "*"
// entry allows every origin.
func WithOriginPatterns(patterns []string) HandlerOption {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:   hub,
		limit: defaultMessagesPerSecond,
		burst: defaultMessageBurst,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	if len(h.originPatterns) == 0 || slices.Contains(h.originPatterns, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client. When the loop ends, for any reason, the
// client's memberships are purged.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		zap.L().Warn("ws: accept error", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := newClient(conn, rate.NewLimiter(h.limit, h.burst))
	connCtx := h.hub.conns.Add(client)
	if connCtx.Err() != nil {
		return
	}
	h.hub.metrics.ConnOpened()
	zap.L().Info("ws: client connected", zap.String("conn", client.id), zap.String("remote", r.RemoteAddr))

	defer func() {
		h.hub.Disconnect(client)
		h.hub.conns.Remove(client)
		h.hub.metrics.ConnClosed()
		zap.L().Info("ws: client disconnected", zap.String("conn", client.id))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	h.readLoop(ctx, client)
}

// readLoop reads and dispatches frames in arrival order until the
// connection closes or ctx is cancelled.
func (h *Handler) readLoop(ctx context.Context, client *Client) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.hub.ConnMgr().TouchActivity(client)
		h.dispatch(client, data)
	}
}

// dispatch applies one inbound frame. Every failure is reported to the
// sending connection only.
func (h *Handler) dispatch(client *Client, data []byte) {
	if !client.limiter.Allow() {
		h.hub.metrics.Event("any", "rate_limited")
		h.sendError(client, "rate limit exceeded")
		return
	}

	var env message.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.reject(client, "any", "bad_request", "invalid JSON")
		return
	}

	switch env.Type {
	case message.EventJoinRoom, message.EventLeaveRoom:
		var req message.RoomRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			h.reject(client, env.Type, "bad_request", "invalid "+string(env.Type)+" payload")
			return
		}
		if req.UserID == "" {
			h.reject(client, env.Type, "bad_request", "userId is required")
			return
		}
		var err error
		if env.Type == message.EventJoinRoom {
			err = h.hub.Join(client, req.UserID, req.RoomID)
		} else {
			err = h.hub.Leave(client, req.UserID, req.RoomID)
		}
		h.finish(client, env.Type, req.UserID, req.RoomID, err)

	case message.EventSendMessage:
		var req message.SendRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			h.reject(client, env.Type, "bad_request", "invalid sendMessage payload")
			return
		}
		_, err := h.hub.Send(client, req.UserID, req.RoomID, req.Message)
		h.finish(client, env.Type, req.UserID, req.RoomID, err)

	default:
		h.reject(client, "unknown", "bad_request", "unknown event type")
	}
}

// finish records the outcome of a room operation and reports an invalid
// room to the caller.
func (h *Handler) finish(client *Client, event message.Event, userID, roomID string, err error) {
	switch {
	case err == nil:
		h.hub.metrics.Event(string(event), "ok")
	case errors.Is(err, room.ErrInvalidRoom):
		zap.L().Warn("ws: invalid room",
			zap.String("event", string(event)),
			zap.String("conn", client.id),
			zap.String("user", userID),
			zap.String("room", roomID),
		)
		h.reject(client, event, "invalid_room", invalidRoomMessage)
	default:
		zap.L().Error("ws: room operation failed", zap.String("event", string(event)), zap.Error(err))
		h.reject(client, event, "error", err.Error())
	}
}

func (h *Handler) reject(client *Client, event message.Event, outcome, msg string) {
	h.hub.metrics.Event(string(event), outcome)
	h.sendError(client, msg)
}

// sendError queues an error envelope for the client.
func (h *Handler) sendError(client *Client, msg string) {
	h.hub.emit(client, message.EventError, message.ErrorPayload{Message: msg})
}
