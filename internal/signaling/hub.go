package signaling

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/strangercam/matchmaker/internal/pairing"
	"github.com/strangercam/matchmaker/internal/session"
)

// hub is the registry of live sockets and the dispatcher's Sender.
type hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	conns  map[pairing.ConnID]*wsConn
	closed bool
}

var _ session.Sender = (*hub)(nil)

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:   log,
		conns: make(map[pairing.ConnID]*wsConn),
	}
}

func (h *hub) add(c *wsConn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrServerClosed
	}
	h.conns[c.id] = c
	return nil
}

func (h *hub) remove(id pairing.ConnID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Send encodes n and queues it on the recipient's socket. It never blocks;
// notifications for unknown ids are dropped.
func (h *hub) Send(to pairing.ConnID, n session.Notification) {
	h.mu.RLock()
	c := h.conns[to]
	h.mu.RUnlock()
	if c == nil {
		return
	}

	data, err := EncodeNotification(n)
	if err != nil {
		h.log.Error("failed to encode notification", "conn", to, "err", err)
		return
	}
	c.enqueue(data)
}

// closeAll refuses new sockets and closes every live one.
func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}
