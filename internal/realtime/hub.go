package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hemtjanst/api/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64
)

// client is one browser connection. A nil tables set means every table.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.RWMutex
	tables map[string]bool
}

func (c *client) wants(table string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tables == nil || c.tables[table]
}

func (c *client) setTables(tables []string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables == nil {
		if !add {
			return
		}
		c.tables = make(map[string]bool)
	}
	for _, table := range tables {
		if add {
			c.tables[table] = true
		} else {
			delete(c.tables, table)
		}
	}
}

type clientMessage struct {
	Action string   `json:"action"`
	Tables []string `json:"tables"`
}

// Hub relays bridge events to websocket clients. Slow clients whose buffer is full are dropped.
type Hub struct {
	upgrader   websocket.Upgrader
	log        logging.Logger
	register   chan *client
	unregister chan *client
	events     chan Event
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub builds a hub; allowedOrigin "*" accepts any origin.
func NewHub(allowedOrigin string, log logging.Logger) *Hub {
	h := &Hub{
		log:        logging.OrNoOp(log),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, 256),
		done:       make(chan struct{}),
		clients:    make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
		},
	}
	return h
}

// Attach subscribes the hub to every table on the bridge. The returned subscription detaches it.
func (h *Hub) Attach(b *Bridge) *Subscription {
	return b.Subscribe(AnyTable, AllEvents, func(event Event) {
		select {
		case h.events <- event:
		default:
			h.log.Warn("realtime hub backlog full, dropping event", "table", event.Table)
		}
	})
}

// Run serves register, unregister and broadcast until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("realtime client connected", "client", c.id, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("realtime client disconnected", "client", c.id, "total", total)

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal realtime event", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(event.Table) {
			continue
		}
		select {
		case c.send <- message:
		default:
			close(c.send)
			delete(h.clients, id)
			h.log.Warn("realtime client too slow, dropped", "client", id)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request. ?tables=a,b limits the feed; clients may later send
// {"action":"subscribe"|"unsubscribe","tables":[...]}.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("realtime upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  h,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("tables")); raw != "" {
		c.setTables(splitTables(raw), true)
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("realtime read error", "client", c.id, "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.setTables(msg.Tables, true)
		case "unsubscribe":
			c.setTables(msg.Tables, false)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func splitTables(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
