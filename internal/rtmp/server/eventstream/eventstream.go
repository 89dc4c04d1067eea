// Package eventstream streams server lifecycle events to WebSocket clients
// for live dashboards, reusing the existing hooks.Event JSON shape as the
// wire format rather than inventing a parallel event model.
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftloop/rtmp-go/internal/rtmp/server/hooks"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans hooks.Event values out to connected WebSocket clients. It
// implements hooks.Hook so it can register with hooks.HookManager the same
// way a shell or webhook hook does, rather than needing its own dispatch
// path bolted onto the server.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "eventstream"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams every event the
// Hub receives to it until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// readPump drains (and discards) inbound frames purely to detect
// disconnects — this endpoint is publish-only from the server's side.
func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer func() {
		h.removeClient(c)
		_ = c.conn.Close()
	}()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast marshals event as JSON and sends it to every connected client,
// dropping slow clients' frames rather than blocking the caller.
func (h *Hub) Broadcast(event hooks.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal event failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping event for slow eventstream client")
		}
	}
}

// ClientCount reports the number of currently connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Execute implements hooks.Hook by broadcasting the event to all clients.
func (h *Hub) Execute(ctx context.Context, event hooks.Event) error {
	h.Broadcast(event)
	return nil
}

// Type implements hooks.Hook.
func (h *Hub) Type() string { return "eventstream" }

// ID implements hooks.Hook.
func (h *Hub) ID() string { return "eventstream" }

// AllEventTypes lists every hooks.EventType the Hub should be registered
// for, since a dashboard wants the full lifecycle feed rather than a single
// event type.
func AllEventTypes() []hooks.EventType {
	return []hooks.EventType{
		hooks.EventConnectionAccept,
		hooks.EventConnectionClose,
		hooks.EventHandshakeComplete,
		hooks.EventStreamCreate,
		hooks.EventStreamDelete,
		hooks.EventPublishStart,
		hooks.EventPublishStop,
		hooks.EventPlayStart,
		hooks.EventPlayStop,
		hooks.EventCodecDetected,
	}
}
