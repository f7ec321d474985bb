package ws

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize bounds the frames queued per connection.
	sendBufferSize = 16

	// writeTimeout caps a single websocket write.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the reaper scans for idle connections.
	idleCheckInterval = 30 * time.Second
)

// connEntry is the manager's bookkeeping for one live connection.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats is a snapshot of connection counters.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnInfo describes one live connection and the rooms it has joined.
type ConnInfo struct {
	ID          string        `json:"id"`
	Rooms       []string      `json:"rooms"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastActive  time.Time     `json:"last_active"`
	Idle        time.Duration `json:"idle"`
}

// ConnManager owns the write side of every connection: one write pump
// per client draining its send queue. It also enforces the connection
// cap and closes idle connections when configured to.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns caps concurrent connections. Zero means no cap.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout closes connections that send nothing for d. Zero
// disables the reaper.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{clients: make(map[*Client]*connEntry)}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers c and starts its write pump. The returned context ends
// when c is removed, reaped or shut down; the caller's read loop should
// stop with it. If the manager is closed or full, c's socket is closed
// and an already cancelled context is returned.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch {
	case cm.closed:
		return reject(c, websocket.StatusGoingAway, "server shutting down")
	case cm.maxConns > 0 && len(cm.clients) >= cm.maxConns:
		cm.rejected.Add(1)
		return reject(c, websocket.StatusTryAgainLater, "server at capacity")
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	cm.clients[c] = &connEntry{cancel: cancel, connectedAt: now, lastActive: now}
	go cm.writePump(ctx, c)
	return ctx
}

func reject(c *Client, status websocket.StatusCode, reason string) context.Context {
	zap.L().Info("ws: connection rejected", zap.String("conn", c.id), zap.String("reason", reason))
	c.closed.Store(true)
	c.conn.Close(status, reason)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Remove forgets c and stops its write pump. The socket itself is left to
// the caller. Removing twice is harmless.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry := cm.clients[c]
	delete(cm.clients, c)
	cm.mu.Unlock()

	c.closed.Store(true)
	if entry != nil {
		entry.cancel()
	}
}

// Send queues data for c without blocking. It reports false when c is
// gone or its queue is full; a full queue counts as a dropped message.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		zap.L().Warn("ws: send buffer full, dropping message", zap.String("conn", c.id))
		return false
	}
}

// TouchActivity marks c as active now.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry := cm.clients[c]; entry != nil {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of live connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns the current counters.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	stats := ConnStats{Active: len(cm.clients), MaxConns: cm.maxConns}
	cm.mu.Unlock()

	stats.Rejected = cm.rejected.Load()
	stats.DroppedMessages = cm.droppedMessages.Load()
	stats.IdleReaped = cm.idleReaped.Load()
	return stats
}

// Clients lists live connections, oldest first.
func (cm *ConnManager) Clients() []ConnInfo {
	now := time.Now()
	cm.mu.Lock()
	infos := make([]ConnInfo, 0, len(cm.clients))
	for c, entry := range cm.clients {
		infos = append(infos, ConnInfo{
			ID:          c.id,
			Rooms:       c.joinedRooms(),
			ConnectedAt: entry.connectedAt,
			LastActive:  entry.lastActive,
			Idle:        now.Sub(entry.lastActive),
		})
	}
	cm.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Shutdown refuses new connections and closes every live one with
// StatusGoingAway. Each connection's handler then runs its usual
// disconnect cleanup.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	live := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}
	for c, entry := range live {
		closeEntry(c, entry, websocket.StatusGoingAway, "server shutting down")
	}
}

// closeEntry stops c's write pump and closes its socket.
func closeEntry(c *Client, entry *connEntry, status websocket.StatusCode, reason string) {
	c.closed.Store(true)
	entry.cancel()
	c.conn.Close(status, reason)
}

func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes every connection idle for longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cutoff := time.Now().Add(-cm.idleTTL)
	stale := make(map[*Client]*connEntry)

	cm.mu.Lock()
	for c, entry := range cm.clients {
		if entry.lastActive.Before(cutoff) {
			stale[c] = entry
			delete(cm.clients, c)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		closeEntry(c, entry, websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		zap.L().Info("ws: reaped idle connection", zap.String("conn", c.id))
	}
}

// writePump writes queued frames to c's socket until ctx ends or a
// write fails.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				zap.L().Debug("ws: write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		}
	}
}
