// Package websocket streams billing state changes to connected clients.
package websocket

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/billbridge/billbridge/internal/billing"
)

// Client represents a WebSocket client
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	lastPing time.Time
}

// Hub maintains active WebSocket clients and broadcasts billing state
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	getState   func() billing.Snapshot
	upgrader   websocket.Upgrader
}

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewHub creates a new WebSocket hub. getState supplies the snapshot sent to
// newly connected clients; allowedOrigins is the comma-separated origin list
// from configuration ("*" allows any origin).
func NewHub(getState func() billing.Snapshot, allowedOrigins string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		getState:   getState,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// SetStateGetter sets the state getter function
func (h *Hub) SetStateGetter(getState func() billing.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getState = getState
}

func (h *Hub) stateGetter() func() billing.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.getState
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

			// Send the welcome and initial state once the client settles
			getState := h.stateGetter()
			go func() {
				time.Sleep(100 * time.Millisecond)

				welcomeMsg := Message{
					Type: "welcome",
					Data: map[string]string{"message": "Connected to BillBridge"},
				}
				if data, err := json.Marshal(welcomeMsg); err == nil {
					select {
					case client.send <- data:
					default:
						log.Warn().Str("client", client.id).Msg("Failed to send welcome message")
					}
				}

				if getState == nil {
					log.Warn().Msg("No getState function defined")
					return
				}
				initialMsg := Message{
					Type: "initialState",
					Data: getState(),
				}
				if data, err := json.Marshal(initialMsg); err == nil {
					select {
					case client.send <- data:
					default:
						log.Warn().Str("client", client.id).Msg("Client send buffer full, skipping initial state")
					}
				} else {
					log.Error().Err(err).Str("client", client.id).Msg("Failed to marshal initial state")
				}
			}()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.mu.Unlock()
				log.Info().Str("client", client.id).Msg("WebSocket client disconnected")
			} else {
				h.mu.Unlock()
			}

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
					// Client's send channel is full, close it
					h.mu.Lock()
					delete(h.clients, client)
					close(client.send)
					h.mu.Unlock()
				}
			}

		case <-pingTicker.C:
			h.sendPing()
		}
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		id:       generateClientID(),
		lastPing: time.Now(),
	}

	client.hub.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// BroadcastState broadcasts a billing snapshot to all clients
func (h *Hub) BroadcastState(snapshot billing.Snapshot) {
	msg := Message{
		Type: "billingState",
		Data: snapshot,
	}
	h.broadcastMessage(msg)
}

// BroadcastEvent broadcasts a billing lifecycle event to all clients
func (h *Hub) BroadcastEvent(event billing.EventType, detail string) {
	msg := Message{
		Type: "billingEvent",
		Data: map[string]string{"event": string(event), "detail": detail},
	}
	h.broadcastMessage(msg)
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastMessage sends a message to all clients
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

// sendPing sends a ping message to all clients
func (h *Hub) sendPing() {
	msg := Message{
		Type: "ping",
		Data: map[string]int64{"timestamp": time.Now().Unix()},
	}
	h.broadcastMessage(msg)
}

// readPump handles incoming messages from the client
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.lastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			} else {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket closed")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Error().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket message")
			continue
		}

		switch msg.Type {
		case "ping":
			pong := Message{
				Type: "pong",
				Data: map[string]int64{"timestamp": time.Now().Unix()},
			}
			if data, err := json.Marshal(pong); err == nil {
				c.send <- data
			}
		case "requestData":
			if getState := c.hub.stateGetter(); getState != nil {
				stateMsg := Message{
					Type: "billingState",
					Data: getState(),
				}
				if data, err := json.Marshal(stateMsg); err == nil {
					c.send <- data
				} else {
					log.Error().Err(err).Msg("Failed to marshal state for requestData")
				}
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
		}
	}
}

// writePump handles outgoing messages to the client
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("client", c.id).Msg("Failed to write message")
				return
			}

			// Send any queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					// No more messages
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// generateClientID generates a unique client ID
func generateClientID() string {
	return fmt.Sprintf("client-%d", time.Now().UnixNano())
}

// originChecker builds the upgrade origin policy. Browser requests must come
// from the same host, a configured origin, or a private address; requests
// without an Origin header (CLI tools, tests) are allowed through.
func originChecker(allowedOrigins string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(allowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowAll || allowed[origin] {
			return true
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		if strings.EqualFold(parsed.Host, r.Host) {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			scheme = normalizeForwardedProto(r.Header.Get("X-Forwarded-Proto"), scheme)
			if parsed.Scheme == scheme {
				return true
			}
		}

		if isValidPrivateOrigin(parsed.Hostname()) {
			return true
		}

		log.Warn().Str("origin", origin).Str("host", r.Host).Msg("Rejected WebSocket origin")
		return false
	}
}

// isValidPrivateOrigin reports whether host is a loopback or private-network
// address, or a .local/.lan name with at most one subdomain.
func isValidPrivateOrigin(host string) bool {
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate()
	}

	parts := strings.Split(host, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	switch strings.ToLower(parts[len(parts)-1]) {
	case "local", "lan":
		return true
	}
	return false
}

// normalizeForwardedProto maps an X-Forwarded-Proto value to an HTTP scheme.
// Proxy chains send comma-separated lists; the first entry wins.
func normalizeForwardedProto(proto, fallback string) string {
	if idx := strings.IndexByte(proto, ','); idx >= 0 {
		proto = proto[:idx]
	}
	proto = strings.ToLower(strings.TrimSpace(proto))
	switch proto {
	case "":
		return fallback
	case "ws":
		return "http"
	case "wss":
		return "https"
	default:
		return proto
	}
}
