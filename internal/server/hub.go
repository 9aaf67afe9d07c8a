// internal/server/hub.go
package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/AGENTCORE/internal/bus"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local observer surface; same-origin policy is not enforced here
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus notifications out to websocket observers
type Hub struct {
	bus *bus.Bus

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	stopCh     chan struct{}
	feed       <-chan bus.Notification
	cancelFeed func()
}

// NewHub creates a hub over the notification bus
func NewHub(b *bus.Bus) *Hub {
	return &Hub{
		bus:     b,
		clients: make(map[*websocket.Conn]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to the bus and begins broadcasting
func (h *Hub) Start() {
	if h.bus == nil {
		return
	}
	h.feed, h.cancelFeed = h.bus.Subscribe("all", bus.SubscribeOptions{})

	go func() {
		for {
			select {
			case <-h.stopCh:
				return
			case n, ok := <-h.feed:
				if !ok {
					return
				}
				h.broadcast(n)
			}
		}
	}()
}

// Stop ends broadcasting and closes every client
func (h *Hub) Stop() {
	close(h.stopCh)
	if h.cancelFeed != nil {
		h.cancelFeed()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// HandleWS upgrades an observer connection
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HUB] upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[HUB] observer connected (%d total)", count)

	// Reader loop exists only to notice disconnects
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) broadcast(n bus.Notification) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(n); err != nil {
			log.Printf("[HUB] write failed, dropping observer: %v", err)
			h.drop(conn)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}
