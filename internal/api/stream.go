package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
)

const (
	clientBuffer = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans telemetry events out to websocket clients. Each client has a
// bounded queue; a client that falls behind is disconnected rather than
// slowing down the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
	now     func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		now:     time.Now,
	}
}

// PublishPacket broadcasts a decoded packet. It has the signature of a
// listener observer.
func (h *Hub) PublishPacket(p packet.Packet) {
	pj := NewPacketJSON(p)
	h.broadcast(StreamMessage{Type: MessagePacket, Time: h.now(), Packet: &pj})
}

// PublishCommLoss broadcasts a watchdog transition.
func (h *Hub) PublishCommLoss(commLoss bool) {
	h.broadcast(StreamMessage{Type: MessageCommLoss, Time: h.now(), CommLoss: &commLoss})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		monitoring.Logf("failed to encode stream message: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			monitoring.Logf("Stream client %s too slow, disconnecting", c.id)
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		return
	}

	c := &streamClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	monitoring.Logf("Stream client %s connected from %s", c.id, conn.RemoteAddr())

	go h.readPump(c)
	h.writePump(c)
}

// readPump discards client messages and unregisters on disconnect.
func (h *Hub) readPump(c *streamClient) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.unregister(c)
		c.conn.Close()
		monitoring.Logf("Stream client %s disconnected", c.id)
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
