package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024

	// Events queued while the hub loop is busy.
	broadcastBuffer = 256
)

var upgrader = websocket.Upgrader{
	// The API is served to the household LAN only.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub fans session and balance events out to connected clients. A client
// receives the events of its own identity; admin clients receive all.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Events to deliver.
	broadcast chan usecase.Event

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	logger *zap.Logger
}

var _ usecase.Notifier = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan usecase.Event, broadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("identityID", client.identityID),
				zap.Bool("admin", client.admin))
			client.queue(CreateHelloMessage(client.identityID, client.admin))

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Info("Client unregistered", zap.String("identityID", client.identityID))

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// Publish queues an event without blocking. Events are dropped when the
// queue is full.
func (h *Hub) Publish(event usecase.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Event queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("identityID", event.IdentityID))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(event usecase.Event) {
	payload, err := json.Marshal(CreateEventMessage(event))
	if err != nil {
		h.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.admin && client.identityID != event.IdentityID {
			continue
		}
		if !client.trySend(payload) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Dropping slow client", zap.String("identityID", client.identityID))
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	identityID string
	admin      bool

	validator *MessageValidator
	logger    *zap.Logger

	// Guards send against use after close.
	mu     sync.Mutex
	closed bool
}

// trySend reports false when the send buffer is full.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// queue encodes msg onto the send buffer; it is dropped if the buffer
// is full.
func (c *Client) queue(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	c.trySend(payload)
}

// HandleWebSocket upgrades an already authenticated request. identityID
// is empty for admin connections.
func HandleWebSocket(hub *Hub, c echo.Context, identityID string, admin bool, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 64),
		identityID: identityID,
		admin:      admin,
		validator:  NewMessageValidator(),
		logger:     logger,
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump reads pings from the peer until the connection closes.
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
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}
		if messageType != websocket.TextMessage {
			c.queue(CreateErrorMessage("unsupported_message", "only text messages are accepted"))
			continue
		}

		msg, err := c.validator.ValidateMessage(message)
		if err != nil {
			c.queue(CreateErrorMessage("invalid_message", err.Error()))
			continue
		}
		if ping, ok := msg.(*PingMessage); ok {
			c.queue(CreatePongMessage(ping.Data))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
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
				c.logger.Error("Failed to write message", zap.Error(err))
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
