// Package ws streams pipeline events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 4096
	clientQueue  = 256
	eventQueue   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API key middleware already guards this route.
	CheckOrigin: func(*http.Request) bool { return true },
}

// frame is the outbound format: {"type": "status"|"event", "payload": ...}.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// control is the inbound format. Types accepts exact names, "*" and
// prefixes like "order_*"; Addresses narrows to watched wallets, empty
// meaning all of them.
//
//	{"action": "subscribe", "types": ["order_*"], "addresses": ["0xabc..."]}
type control struct {
	Action    string   `json:"action"`
	Types     []string `json:"types"`
	Addresses []string `json:"addresses"`
}

// filter decides which events a client receives.
type filter struct {
	mu        sync.RWMutex
	types     map[string]struct{}
	addresses map[string]struct{}
}

func newFilter() *filter {
	return &filter{
		types:     map[string]struct{}{"*": {}},
		addresses: make(map[string]struct{}),
	}
}

func (f *filter) apply(c control) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range c.Types {
		if c.Action == "subscribe" {
			f.types[t] = struct{}{}
		} else {
			delete(f.types, t)
		}
	}
	for _, a := range c.Addresses {
		a = domain.NormalizeAddress(a)
		if c.Action == "subscribe" {
			f.addresses[a] = struct{}{}
		} else {
			delete(f.addresses, a)
		}
	}
}

func (f *filter) wants(ev domain.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.addresses) > 0 && ev.Address != "" {
		if _, ok := f.addresses[domain.NormalizeAddress(ev.Address)]; !ok {
			return false
		}
	}
	name := string(ev.Type)
	if _, ok := f.types[name]; ok {
		return true
	}
	for t := range f.types {
		if prefix, ok := strings.CutSuffix(t, "*"); ok && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

type client struct {
	conn   *websocket.Conn
	out    chan []byte
	filter *filter
}

// Hub fans pipeline events out to connected clients. It implements
// domain.EventSink; Emit never blocks the pipeline.
type Hub struct {
	events   chan domain.Event
	snapshot func() any
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub. snapshot, if set, is the first frame every client
// receives.
func NewHub(snapshot func() any, logger *slog.Logger) *Hub {
	return &Hub{
		events:   make(chan domain.Event, eventQueue),
		snapshot: snapshot,
		logger:   logger.With(slog.String("component", "ws_hub")),
		clients:  make(map[*client]struct{}),
	}
}

// Emit queues ev, dropping it when the hub is backed up.
func (h *Hub) Emit(ctx context.Context, ev domain.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.WarnContext(ctx, "ws: hub backed up, event dropped", slog.String("type", string(ev.Type)))
	}
}

// Run delivers queued events until ctx ends, then disconnects every client
// and refuses new ones.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				delete(h.clients, c)
				close(c.out)
			}
			h.mu.Unlock()
			return nil
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev domain.Event) {
	data, err := json.Marshal(frame{Type: "event", Payload: ev})
	if err != nil {
		h.logger.Warn("ws: marshal event", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.wants(ev) {
			continue
		}
		select {
		case c.out <- data:
		default:
			h.logger.Warn("ws: slow client, event dropped", slog.String("remote", c.conn.RemoteAddr().String()))
		}
	}
}

// HandleWS upgrades the request and attaches a client subscribed to every
// event.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, out: make(chan []byte, clientQueue), filter: newFilter()}
	if h.snapshot != nil {
		if data, err := json.Marshal(frame{Type: "status", Payload: h.snapshot()}); err == nil {
			c.out <- data
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("clients", n))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.out)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("ws: client disconnected", slog.Int("clients", n))
	}
}

// readLoop applies control frames and keeps the read deadline moving on
// pongs. A read error ends the client.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg control
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Action {
		case "subscribe", "unsubscribe":
			c.filter.apply(msg)
		}
	}
}

// writeLoop drains the client's queue and pings. A closed queue sends a
// close frame.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

var _ domain.EventSink = (*Hub)(nil)
