// WebSocket event feed for local UI clients. The hub implements the sync
// engine's event handler and fans every lifecycle event out to all connected
// clients on localhost.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planbookhq/backend/internal/logging"
	"github.com/planbookhq/backend/internal/sync"
	"github.com/planbookhq/backend/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		host := r.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

// WSClient is one connected UI client.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains active client connections and broadcasts sync events.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         stdsync.RWMutex
}

// WSEnvelope wraps all outbound WebSocket messages.
type WSEnvelope struct {
	Type      string     `json:"type"`
	Event     sync.Event `json:"event"`
	Timestamp int64      `json:"timestamp"`
}

// NewWSHub creates the hub and starts its dispatch loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logging.Debug("websocket client connected", map[string]interface{}{"client_id": client.id})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			logging.Debug("websocket client disconnected", map[string]interface{}{"client_id": client.id})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full; drop the client.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleSyncEvent implements sync.EventHandler.
func (h *WSHub) HandleSyncEvent(ev sync.Event) {
	envelope := WSEnvelope{
		Type:      "sync." + string(ev.Type),
		Event:     ev,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal websocket event", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Broadcast buffer full; events are advisory, drop rather than
		// block the sync goroutine.
	}
}

// HandleWS upgrades GET /api/events connections.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("websocket upgrade failed", err)
		return
	}
	client := &WSClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames so pings and close frames are processed.
// Clients only listen; inbound payloads are ignored.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				logging.Debug("websocket read closed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
	}
}

func (c *WSClient) writePump() {
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
