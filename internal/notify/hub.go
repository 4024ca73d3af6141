package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atmx/spread-engine/internal/auth"
	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/slug"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// inbound is a message a client sends to the hub.
type inbound struct {
	Type string `json:"type"` // subscribe | unsubscribe
	Slug string `json:"slug"` // {market}:{selection}
}

type client struct {
	id    string
	owner model.UserKey
	conn  *websocket.Conn
	send  chan []byte
	subs  map[string]bool
}

type outbound struct {
	owner  model.UserKey
	connID string
	data   []byte
}

// Hub manages WebSocket connections keyed by connection id and delivers
// events to a single connection. It also tracks which selections each
// connection has subscribed to. Every connection belongs to the user that
// opened it; a connection id held by one user is never served to another.
type Hub struct {
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	outbound   chan outbound
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		outbound:   make(chan outbound, 1024),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			old, held := h.clients[c.id]
			if held && old.owner != c.owner {
				h.mu.Unlock()
				close(c.send)
				slog.Warn("ws connection id held by another user", "conn", c.id)
				continue
			}
			if held {
				// Same user reconnecting: retire the previous socket.
				close(old.send)
				metrics.WebSocketClients.Dec()
			}
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "conn", c.id, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.id]; ok && cur == c {
				delete(h.clients, c.id)
				close(c.send)
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.outbound:
			h.mu.RLock()
			c, ok := h.clients[msg.connID]
			if ok && c.owner == msg.owner {
				select {
				case c.send <- msg.data:
				default:
					slog.Warn("ws send buffer full, dropping event", "conn", msg.connID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Send queues ev for connID. Unknown connections and connections owned by
// another user are ignored.
func (h *Hub) Send(owner model.UserKey, connID string, ev Event) {
	if connID == "" {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.outbound <- outbound{owner: owner, connID: connID, data: data}:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

// Subscribed reports whether connID belongs to owner and has subscribed to
// selection.
func (h *Hub) Subscribed(owner model.UserKey, connID, selection string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return ok && c.owner == owner && c.subs[selection]
}

func (h *Hub) heldByOther(owner model.UserKey, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return ok && c.owner != owner
}

func (h *Hub) setSub(c *client, selection string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		c.subs[selection] = true
	} else {
		delete(c.subs, selection)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. It must run
// behind auth.Middleware. The connection id is taken from the conn_id query
// parameter or generated and announced in a hello event. A conn_id already
// held by another user is refused with 409.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	owner := model.NewUserKey(ident.UserID, ident.OperatorID)

	id := r.URL.Query().Get("conn_id")
	if id == "" {
		id = uuid.NewString()
	}
	if h.heldByOther(owner, id) {
		http.Error(w, "connection id in use", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &client{id: id, owner: owner, conn: conn, send: make(chan []byte, sendBuffer), subs: make(map[string]bool)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)

	h.Send(owner, id, Event{Type: TypeHello, Data: map[string]string{"connection_id": id}})
}

// readPump keeps the connection alive and handles subscribe messages.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.Send(c.owner, c.id, Event{Type: TypeError, Data: "invalid message"})
			continue
		}
		if _, _, err := slug.ParseSelection(msg.Slug); err != nil {
			h.Send(c.owner, c.id, Event{Type: TypeError, Data: err.Error()})
			continue
		}
		switch msg.Type {
		case "subscribe":
			h.setSub(c, msg.Slug, true)
			h.Send(c.owner, c.id, Event{Type: TypeSubscribed, Data: msg.Slug})
		case "unsubscribe":
			h.setSub(c, msg.Slug, false)
		default:
			h.Send(c.owner, c.id, Event{Type: TypeError, Data: "unknown message type"})
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			// Ping keeps the connection alive through proxies.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
