package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tether/internal/agent/ports"
	"tether/internal/shared/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// wsMessage is the envelope pushed to console clients.
type wsMessage struct {
	Type     string                `json:"type"`
	Approval *ports.ApprovalRecord `json:"approval,omitempty"`
	Event    *ports.Event          `json:"event,omitempty"`
	At       time.Time             `json:"at"`
}

// Hub fans approval and task activity out to websocket clients. It also
// implements ports.Notifier, so the broker pushes new requests through it
// without knowing about websockets.
type Hub struct {
	logger logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger:  logging.OrNop(logger),
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Notify implements ports.Notifier: every new approval request is pushed to
// all connected clients. Never returns an error; a hub with no clients is
// not a delivery failure, the expiry timer owns the fallback.
func (h *Hub) Notify(ctx context.Context, rec ports.ApprovalRecord) error {
	h.broadcast(wsMessage{Type: "approval.requested", Approval: &rec, At: time.Now()})
	return nil
}

// BroadcastResolved pushes a resolution outcome to all clients.
func (h *Hub) BroadcastResolved(rec ports.ApprovalRecord) {
	h.broadcast(wsMessage{Type: "approval.resolved", Approval: &rec, At: time.Now()})
}

// BroadcastEvent pushes a loop event to all clients. Its signature matches
// ports.EventCallback so it can be wired straight into the engine.
func (h *Hub) BroadcastEvent(event ports.Event) {
	h.broadcast(wsMessage{Type: "task.event", Event: &event, At: time.Now()})
}

func (h *Hub) broadcast(msg wsMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("Websocket payload marshal failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- payload:
		default:
			// The client stopped draining; drop it rather than block the
			// broker or the loop.
			h.logger.Warn("Websocket client too slow, dropping connection")
			delete(h.clients, conn)
			close(send)
		}
	}
}

// register adopts an upgraded connection and services it until it drops.
func (h *Hub) register(conn *websocket.Conn) {
	send := make(chan []byte, sendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = send
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("Websocket client connected (%d active)", count)
	go h.writeLoop(conn, send)
	go h.readLoop(conn)
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(send)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *Hub) writeLoop(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(conn)
	}()

	for {
		select {
		case payload, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client input; the console resolves over HTTP, the
// socket is push-only. Reading still matters: it services pongs and
// detects the close handshake.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount reports connected clients, for health reporting.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close drops every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for conn, send := range h.clients {
		delete(h.clients, conn)
		close(send)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

var _ ports.Notifier = (*Hub)(nil)
