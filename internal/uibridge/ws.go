package uibridge

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientQueueDepth = 32
	writeWait        = 5 * time.Second
)

// WSHub is a websocket fanout transport. Each client gets a bounded
// send queue; a client that cannot keep up is dropped rather than
// allowed to back-pressure the system.
type WSHub struct {
	mu       sync.Mutex
	clients  map[*wsClient]bool
	closed   bool
	handler  CommandHandler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// CommandHandler processes one inbound command frame and returns the
// reply frame, or nil for no reply.
type CommandHandler func(line []byte) []byte

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub builds an empty hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, clientQueueDepth),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ui client connected", "clients", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *WSHub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.drop(c)
			return
		}
	}
}

// SetCommandHandler installs the inbound frame handler. Without one,
// inbound frames are drained and ignored.
func (h *WSHub) SetCommandHandler(fn CommandHandler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// readLoop dispatches inbound text frames to the command handler and
// queues the reply back to the sending client.
func (h *WSHub) readLoop(c *wsClient) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			h.drop(c)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()
		if handler == nil {
			continue
		}
		reply := handler(data)
		if reply == nil {
			continue
		}
		if !h.trySend(c, reply) {
			h.logger.Warn("dropping slow ui client")
			h.drop(c)
			return
		}
	}
}

// trySend queues a frame for a still-registered client. Queueing and
// closing both happen under the hub lock, so a frame can never race a
// channel close.
func (h *WSHub) trySend(c *wsClient, frame []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	c.conn.Close()
}

// Send queues the frame for every client, dropping any client whose
// queue is full.
func (h *WSHub) Send(frame []byte) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !h.trySend(c, frame) {
			h.logger.Warn("dropping slow ui client")
			h.drop(c)
		}
	}
}

// ClientCount reports the live client total.
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]bool)
	h.closed = true
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}
