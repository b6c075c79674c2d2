// Package notify pushes real-time events to the embedding UI over
// WebSocket: sync lifecycle, dead-lettered items, and connectivity
// changes.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/showtrack/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// UI shell connects from the local loopback only
		return true
	},
}

// Envelope wraps every outbound message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains active connections and fans events out to them.
// It satisfies the Broadcaster interface the engine and monitor use.
type Hub struct {
	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a Hub and starts its fan-out loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Stop closes every connection and ends the fan-out loop. Safe to call
// more than once; the hub cannot be restarted.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("notify client connected", map[string]interface{}{
				"client_id": c.id,
				"total":     total,
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("notify client disconnected", map[string]interface{}{
				"client_id": c.id,
				"total":     total,
			})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Send buffer full, drop the connection
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast fans an event out to every connected client. Safe to call
// with no clients connected.
func (h *Hub) Broadcast(event string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      event,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("encoding notify envelope failed", err,
			map[string]interface{}{"event": event})
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		logging.Warn("notify broadcast buffer full, event dropped",
			map[string]interface{}{"event": event})
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades HTTP requests to WebSocket connections on the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("websocket upgrade failed", err, nil)
			return
		}

		c := &client{
			id:   time.Now().Format("20060102150405.000000000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

// readPump consumes inbound frames. Clients only talk to keep the
// connection alive, so anything unreadable just ends the session.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("notify read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}
	}
}

// writePump delivers queued messages and pings the client periodically.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
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
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
