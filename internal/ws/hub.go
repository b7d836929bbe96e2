package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	eventBuffer    = 256
)

// ConnectionMetrics counts open streaming connections.
type ConnectionMetrics interface {
	IncrementConnections(ctx context.Context)
	DecrementConnections(ctx context.Context)
}

type Hub struct {
	bus        *events.Bus
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger
	metrics    ConnectionMetrics
	mu         sync.RWMutex
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	sub    *events.Subscription
	send   chan []byte
	mu     sync.RWMutex
	topics map[string]bool // key prefixes; empty means every key
}

type Message struct {
	Type      string        `json:"type"`
	Event     *events.Event `json:"event,omitempty"`
	Prefixes  []string      `json:"prefixes,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

type WSSubscriptionRequest struct {
	Type     string   `json:"type"`
	Prefixes []string `json:"prefixes"`
}

// NewHub streams bus events to WebSocket clients. Browser connections are
// accepted from allowedOrigins; requests without an Origin are always accepted.
func NewHub(bus *events.Bus, allowedOrigins []string, logger *zap.SugaredLogger, metrics ConnectionMetrics) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		bus:        bus,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
		logger:  logger,
		metrics: metrics,
	}
}

// Run tracks clients until ctx is done, then disconnects all of them.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.sub.Close()
				h.decrement()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementConnections(ctx)
			}
			h.logger.Debugw("Client registered", "prefixes", client.prefixes())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.sub.Close()
				h.decrement()
			}
			h.mu.Unlock()
			h.logger.Debugw("Client unregistered")
		}
	}
}

func (h *Hub) decrement() {
	if h.metrics != nil {
		h.metrics.DecrementConnections(context.Background())
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request. Repeated ?prefix= parameters set the
// initial key filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		sub:    h.bus.Subscribe(eventBuffer),
		send:   make(chan []byte, 16),
		topics: make(map[string]bool),
	}
	for _, p := range r.URL.Query()["prefix"] {
		client.topics[p] = true
	}

	select {
	case h.register <- client:
	case <-h.done:
		client.sub.Close()
		conn.Close()
		return
	}

	client.reply(Message{Type: "connected", Prefixes: client.prefixes()})

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("WebSocket error", "error", err)
			}
			break
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if !ev.Matches(c.prefixes()) {
				continue
			}
			if err := c.write(Message{Type: "event", Event: &ev, Timestamp: ev.Timestamp}); err != nil {
				return
			}

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// reply queues a control message without blocking the reader.
func (c *Client) reply(msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debugw("Dropping control message for slow client", "type", msg.Type)
	}
}

func (c *Client) handleMessage(message []byte) {
	var req WSSubscriptionRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.reply(Message{Type: "error", Error: "invalid message"})
		return
	}

	switch req.Type {
	case "subscribe":
		c.mu.Lock()
		for _, p := range req.Prefixes {
			c.topics[p] = true
		}
		c.mu.Unlock()
		c.reply(Message{Type: "subscribed", Prefixes: c.prefixes()})

	case "unsubscribe":
		c.mu.Lock()
		for _, p := range req.Prefixes {
			delete(c.topics, p)
		}
		c.mu.Unlock()
		c.reply(Message{Type: "unsubscribed", Prefixes: c.prefixes()})

	case "ping":
		c.reply(Message{Type: "pong"})

	default:
		c.reply(Message{Type: "error", Error: "unknown message type " + req.Type})
	}
}

func (c *Client) prefixes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for p := range c.topics {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
