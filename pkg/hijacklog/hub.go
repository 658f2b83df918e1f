package hijacklog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
	clientQueue  = 256
)

// Hub streams entries to WebSocket subscribers. Slow subscribers lose
// entries rather than block the worker.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}

	dropped atomic.Uint64
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a hub without subscribers.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*hubClient]struct{}),
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of entries lost to full client queues.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Write broadcasts e to every subscriber.
func (h *Hub) Write(_ context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams entries until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("hijacklog: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("hijacklog: subscriber connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go h.readLoop(c, done)
	h.writeLoop(c, done)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	conn.Close()
	h.log.Info("hijacklog: subscriber disconnected", "remote", r.RemoteAddr)
}

// readLoop discards client messages and notices when the client is gone.
func (h *Hub) readLoop(c *hubClient, done chan<- struct{}) {
	defer close(done)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("hijacklog: subscriber read failed", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
