package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/uniface360/sentinel/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	clientBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients for the dashboard connect cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub relays bus events to websocket clients. One goroutine owns the
// client set; registration, removal and broadcast all go through its
// channels, so no client operation ever races another.
type Hub struct {
	bus        *events.Bus
	register   chan *wsClient
	unregister chan *wsClient
	log        *zap.Logger

	mu      sync.Mutex
	running bool
	sub     chan events.Event
	done    chan struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:        bus,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        zap.L().Named("wshub"),
	}
}

// Start subscribes the hub to the bus and launches its loop.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.sub = h.bus.Subscribe()
	h.done = make(chan struct{})
	h.running = true
	go h.run(h.sub)
}

// Stop unsubscribes and closes every client connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	sub := h.sub
	done := h.done
	h.mu.Unlock()

	h.bus.Unsubscribe(sub)
	<-done
}

func (h *Hub) run(sub chan events.Event) {
	defer close(h.done)
	clients := make(map[*wsClient]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			h.log.Debug("ws client connected", zap.Int("clients", len(clients)))
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			for c := range clients {
				select {
				case c.send <- data:
				default:
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

// handleWebsocket serves GET /api/v1/events/ws.
func (h *Hub) handleWebsocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- client:
	case <-h.stopped():
		conn.Close()
		return nil
	}

	go h.writePump(client)
	h.readPump(client)
	return nil
}

// stopped returns a channel closed once the hub loop has exited.
func (h *Hub) stopped() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// readPump discards inbound messages and detects disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, open := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !open {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
