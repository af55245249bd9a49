package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/streamrelay/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// Message types sent to clients.
const (
	TypeSnapshot = "snapshot"
	TypeStatus   = "status"
	TypePong     = "pong"
)

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client represents a WebSocket client
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub maintains active WebSocket clients and broadcasts relay status to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	snapshot   func() models.RelaySession
	upgrader   websocket.Upgrader

	originMu       sync.RWMutex
	allowedOrigins []string
}

// NewHub creates a hub. snapshot supplies the state sent on connect.
func NewHub(snapshot func() models.RelaySession) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		snapshot:   snapshot,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetAllowedOrigins adds origin patterns accepted besides this host and
// loopback. Patterns match against the origin host and may use wildcards,
// e.g. "*.lan" or "studio-?.local". A single "*" allows any origin.
func (h *Hub) SetAllowedOrigins(patterns []string) {
	h.originMu.Lock()
	defer h.originMu.Unlock()
	h.allowedOrigins = append([]string(nil), patterns...)
}

// Run starts the hub's main loop. It returns when ctx is cancelled, after
// disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debug().Str("client", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					log.Warn().Str("client", client.id).Msg("WebSocket client too slow, disconnecting")
					h.remove(client)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Forward broadcasts every event from events until it closes or ctx ends.
func (h *Hub) Forward(ctx context.Context, events <-chan models.StatusEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.BroadcastStatus(ev)
		case <-ctx.Done():
			return
		}
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   uuid.NewString(),
	}

	// The snapshot is queued before registration so it always arrives first.
	if data, ok := h.snapshotMessage(); ok {
		client.send <- data
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// BroadcastStatus sends a status event to all clients
func (h *Hub) BroadcastStatus(ev models.StatusEvent) {
	h.broadcastMessage(Message{Type: TypeStatus, Data: ev})
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("WebSocket broadcast channel full")
	}
}

func (h *Hub) snapshotMessage() ([]byte, bool) {
	if h.snapshot == nil {
		return nil, false
	}
	data, err := json.Marshal(Message{Type: TypeSnapshot, Data: h.snapshot()})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal relay snapshot")
		return nil, false
	}
	return data, true
}

// trySend queues data for one client unless it has already been removed.
func (h *Hub) trySend(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.send <- data:
	default:
		log.Warn().Str("client", client.id).Msg("Client send buffer full, skipping message")
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		log.Debug().Str("client", client.id).Msg("WebSocket client disconnected")
	}
}

// readPump handles incoming messages from the client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket message")
			continue
		}

		switch msg.Type {
		case "ping":
			if data, err := json.Marshal(Message{Type: TypePong, Data: map[string]int64{"timestamp": time.Now().Unix()}}); err == nil {
				c.hub.trySend(c, data)
			}
		case "requestSnapshot":
			if data, ok := c.hub.snapshotMessage(); ok {
				c.hub.trySend(c, data)
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Ignoring WebSocket message")
		}
	}
}

// writePump handles outgoing messages to the client
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin admits non-browser clients, pages served from this host or a
// loopback address, and configured origin patterns. Anything else could be a
// remote site trying to drive the local control API.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) || isLoopbackHost(u.Hostname()) {
		return true
	}

	h.originMu.RLock()
	defer h.originMu.RUnlock()
	host := strings.ToLower(u.Hostname())
	for _, pattern := range h.allowedOrigins {
		if wildcard.Match(strings.ToLower(pattern), host) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("Rejected WebSocket origin")
	return false
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
