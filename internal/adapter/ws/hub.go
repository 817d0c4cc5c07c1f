// Package ws streams tenancy events and connection-pool snapshots to
// admin dashboards over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/angelitosystems/tenancy/internal/connection"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub manages active WebSocket connections and broadcasts messages.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a WebSocket hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request to a WebSocket connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, _, err := ws.Read(ctx)
			if err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected")
	}
}

// Event type constants for WebSocket messages.
const (
	EventTenantSwitched = "tenant.switched"
	EventTenantCreated  = "tenant.created"
	EventPoolSnapshot   = "pool.snapshot"
)

// TenantSwitchedEvent is broadcast when the active tenant changes.
type TenantSwitchedEvent struct {
	OldTenantID string `json:"old_tenant_id,omitempty"`
	NewTenantID string `json:"new_tenant_id,omitempty"`
}

// TenantCreatedEvent is broadcast when a tenant is created.
type TenantCreatedEvent struct {
	TenantID string `json:"tenant_id"`
}

// PoolSnapshotEvent carries a credential-free view of the connection pool.
type PoolSnapshotEvent struct {
	Count       int                            `json:"count"`
	Connections map[string]connection.ConnInfo `json:"connections"`
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// PoolSnapshotter is the connection-manager surface the monitor needs.
type PoolSnapshotter interface {
	ActiveConnectionCount() int
	ActiveConnectionsInfo() map[string]connection.ConnInfo
}

// MonitorPool broadcasts a pool snapshot at the given interval until ctx is
// cancelled. Snapshots are skipped while no client is connected.
func (h *Hub) MonitorPool(ctx context.Context, pool PoolSnapshotter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ConnectionCount() == 0 {
				continue
			}
			h.BroadcastEvent(ctx, EventPoolSnapshot, PoolSnapshotEvent{
				Count:       pool.ActiveConnectionCount(),
				Connections: pool.ActiveConnectionsInfo(),
			})
		}
	}
}

// TenantSwitched implements the tenancy notifier surface so switches reach
// connected dashboards.
func (h *Hub) TenantSwitched(ctx context.Context, oldID, newID string) {
	h.BroadcastEvent(ctx, EventTenantSwitched, TenantSwitchedEvent{
		OldTenantID: oldID,
		NewTenantID: newID,
	})
}

// TenantCreated implements the tenancy notifier surface.
func (h *Hub) TenantCreated(ctx context.Context, id string) {
	h.BroadcastEvent(ctx, EventTenantCreated, TenantCreatedEvent{TenantID: id})
}
