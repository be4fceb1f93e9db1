package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-edge-guard/internal/alert"
)

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans alert outcomes out to websocket clients. A client that cannot be
// written to is dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
	sent    uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

// Serve upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("status: websocket upgrade failed", "error", err)
		return
	}

	if !h.register(conn) {
		conn.Close()
		return
	}

	// Clients never send; reading only detects the disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(conn)
}

func (h *Hub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = struct{}{}
	slog.Info("status: websocket client connected", "clients", len(h.clients))
	return true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		slog.Info("status: websocket client disconnected", "clients", len(h.clients))
	}
}

// Broadcast sends one outcome to every client.
func (h *Hub) Broadcast(o alert.Outcome) {
	msg, err := json.Marshal(o)
	if err != nil {
		slog.Error("status: failed to marshal outcome", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Warn("status: dropping websocket client", "error", err)
			delete(h.clients, conn)
			conn.Close()
			continue
		}
		h.sent++
	}
}

// Consume broadcasts every outcome read from ch until ctx ends or ch closes.
func (h *Hub) Consume(ctx context.Context, ch <-chan alert.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(o)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
