package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"crypto-futures-bot/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced at the router level
	},
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes every domain event to connected dashboard clients
type Hub struct {
	bus     *events.Bus
	mu      sync.Mutex
	clients map[*wsClient]bool
	inbound chan events.Event
}

// NewHub creates a websocket hub fed by the event bus
func NewHub(bus *events.Bus) *Hub {
	hub := &Hub{
		bus:     bus,
		clients: make(map[*wsClient]bool),
		inbound: make(chan events.Event, 128),
	}
	bus.SubscribeAll(func(event events.Event) {
		select {
		case hub.inbound <- event:
		default: // drop rather than block the bus
		}
	})
	return hub
}

// Run starts the broadcast loop
func (h *Hub) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return
			case event := <-h.inbound:
				h.broadcast(event)
			}
		}
	}()
}

// RecentEvents returns the bus history for catch-up on connect
func (h *Hub) RecentEvents(limit int) []events.Event {
	return h.bus.Recent(limit)
}

// HandleConnection upgrades an HTTP request to a websocket session
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) broadcast(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			// Slow consumer, drop the connection
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

// readPump drains client messages so pongs are processed. Inbound
// content is ignored; the stream is one-way.
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.remove(client)
		client.conn.Close()
	}()
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
