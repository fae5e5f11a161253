package ipc

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuk-labs/usagebar/pkg/logger"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 64
)

// event is one pushed message.
type event struct {
	Topic string         `json:"topic"`
	Data  map[string]any `json:"data,omitempty"`
}

// hub fans ipc: events out to connected UI clients. A slow client's buffer
// overflowing drops that client, never blocks the bus.
type hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan event
	// closed is guarded by the hub mutex; it gates every send so a
	// broadcast can never race the channel close.
	closed bool
}

func newHub(log *logger.Logger) *hub {
	return &hub{
		log: log,
		upgrader: websocket.Upgrader{
			// The listener binds loopback; the UI process is the only peer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan event, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *hub) writeLoop(c *client) {
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
}

// readLoop drains client frames (the UI sends nothing meaningful) and
// detects disconnects.
func (h *hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(c)
}

func (h *hub) closeLocked(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
}

func (h *hub) broadcast(topic string, data map[string]any) {
	ev := event{Topic: topic, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.log.Warn("dropping slow ipc client")
			h.closeLocked(c)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.closeLocked(c)
	}
}
