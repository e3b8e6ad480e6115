package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/guy-noel/sigfox-platform/internal/observability"
	"github.com/guy-noel/sigfox-platform/internal/services"
)

// WebSocketHandler streams feed change notifications
type WebSocketHandler struct {
	hub      *services.FeedHub
	upgrader websocket.Upgrader
	logger   *observability.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler. Any origin may connect
// when listenAddr is a loopback address; otherwise the Origin header must
// match the request host.
func NewWebSocketHandler(hub *services.FeedHub, listenAddr string, logger *observability.Logger) *WebSocketHandler {
	if logger == nil {
		logger = observability.GetLogger()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if IsLoopback(listenAddr) {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &WebSocketHandler{
		hub:      hub,
		upgrader: upgrader,
		logger:   logger.WithField("component", "websocket_handler"),
	}
}

// IsLoopback reports whether a listen address only accepts local connections
func IsLoopback(listenAddr string) bool {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host = listenAddr
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleConnection upgrades HTTP to WebSocket and manages the connection
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// Start the write pump in a goroutine
	go client.WritePump()

	// Run the read pump (blocks until connection closes)
	client.ReadPump(h.handleMessage)
}

func (h *WebSocketHandler) handleMessage(client *services.WSClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg services.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.WithError(err).Debug("invalid websocket message")
		return
	}

	switch msg.Type {
	case services.WSTypePing:
		_ = client.Reply(services.WSMessage{Type: services.WSTypePong})
	default:
		_ = client.Reply(services.WSMessage{Type: services.WSTypeError, Payload: "unknown message type: " + msg.Type})
	}
}
