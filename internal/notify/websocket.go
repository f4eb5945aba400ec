package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/leadscore/models"
)

const writeTimeout = 5 * time.Second

// clientConn serializes writes; gorilla connections allow one writer at a time.
type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// WebSocketHub keeps browser connections per client ID and pushes updates to
// them. It is an http.Handler for the upgrade endpoint.
type WebSocketHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*clientConn]struct{}
	closed  bool

	onDisconnect func(clientID string)
	logger       zerolog.Logger
}

// NewWebSocketHub creates a hub. onDisconnect, if set, is called when the
// last connection of a client goes away.
func NewWebSocketHub(onDisconnect func(clientID string)) *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:      make(map[string]map[*clientConn]struct{}),
		onDisconnect: onDisconnect,
		logger:       log.With().Str("component", "websocket_hub").Logger(),
	}
}

// SetDisconnectHandler replaces the disconnect callback.
func (h *WebSocketHub) SetDisconnectHandler(fn func(clientID string)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("client_id", clientID).Msg("WebSocket upgrade failed")
		return
	}
	cc := &clientConn{conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if h.clients[clientID] == nil {
		h.clients[clientID] = make(map[*clientConn]struct{})
	}
	h.clients[clientID][cc] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", clientID).Msg("Client connected")

	// Clients only send control frames; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(clientID, cc)
}

func (h *WebSocketHub) remove(clientID string, cc *clientConn) {
	h.mu.Lock()
	conns := h.clients[clientID]
	delete(conns, cc)
	last := len(conns) == 0
	if last {
		delete(h.clients, clientID)
	}
	fn := h.onDisconnect
	h.mu.Unlock()

	cc.conn.Close()
	h.logger.Debug().Str("client_id", clientID).Msg("Client disconnected")
	if last && fn != nil {
		fn(clientID)
	}
}

// Publish sends the update to every connection of the client.
func (h *WebSocketHub) Publish(_ context.Context, clientID string, result models.PredictionResult) error {
	h.mu.RLock()
	conns := make([]*clientConn, 0, len(h.clients[clientID]))
	for cc := range h.clients[clientID] {
		conns = append(conns, cc)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return ErrNoConnection
	}

	update := newUpdate(clientID, result)
	var firstErr error
	for _, cc := range conns {
		if err := cc.writeJSON(update); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connections returns the number of open connections.
func (h *WebSocketHub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// Close closes every connection and refuses new ones.
func (h *WebSocketHub) Close() error {
	h.mu.Lock()
	h.closed = true
	var all []*clientConn
	for _, conns := range h.clients {
		for cc := range conns {
			all = append(all, cc)
		}
	}
	h.mu.Unlock()

	for _, cc := range all {
		cc.mu.Lock()
		_ = cc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		cc.mu.Unlock()
		cc.conn.Close()
	}
	return nil
}
