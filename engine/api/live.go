package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokenscomedyclub/arena/engine/observability"
)

// maxLiveClients caps concurrent live-feed subscribers, mirroring the
// teacher's MetricsHub connection cap.
const maxLiveClients = 200

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveHub broadcasts the Live payload (§6) to every subscribed renderer
// client on a 1s ticker. Grounded on the teacher's MetricsHub: a single
// broadcaster goroutine owns the client set, avoiding one ticker per
// connection.
type LiveHub struct {
	api *API

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewLiveHub(api *API) *LiveHub {
	return &LiveHub{api: api, clients: make(map[*websocket.Conn]struct{})}
}

// Run drives the broadcast ticker until ctx is cancelled.
func (h *LiveHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *LiveHub) broadcast(ctx context.Context) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	payload, err := h.api.buildLivePayload(ctx)
	if err != nil {
		log.Printf("⚠️  live hub: building payload: %v", err)
		return
	}
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			log.Printf("⚠️  live hub: write error, dropping client: %v", err)
			go h.unregister(conn)
		}
	}
}

func (h *LiveHub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxLiveClients {
		return false
	}
	h.clients[conn] = struct{}{}
	observability.LiveHubClients.Set(float64(len(h.clients)))
	return true
}

func (h *LiveHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		observability.LiveHubClients.Set(float64(len(h.clients)))
	}
}

func (h *LiveHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.LiveHubClients.Set(0)
}

// HandleLiveStream upgrades to a WebSocket and registers the connection
// with the hub; the hub's own ticker drives all subsequent writes.
func (a *API) HandleLiveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️  live stream: upgrade failed: %v", err)
		return
	}
	if !a.hub.register(conn) {
		log.Printf("live stream: rejected, at capacity (%d)", maxLiveClients)
		conn.Close()
		return
	}
	// Drain and discard client frames so control frames are processed and
	// a closed connection is noticed and unregistered; the feed itself is
	// one-directional. No read deadline is set.
	go func() {
		defer a.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
