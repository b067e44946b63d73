package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/signpad/journal"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 512

	sendBufferSize = 64
)

// Stream message types.
const (
	MessageStatus = "status"
	MessageEvent  = "event"
	MessageClosed = "closed"
)

// streamMessage is the envelope written to WebSocket clients.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watcher is one WebSocket client following a session.
type watcher struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (w *watcher) close() { w.once.Do(func() { close(w.send) }) }

// Hub records session events to the journal and fans them out to the
// WebSocket clients watching that session. Slow clients miss messages
// rather than stalling the session.
type Hub struct {
	next   journal.Recorder
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

// NewHub creates a Hub that forwards entries to next.
func NewHub(next journal.Recorder, clock clockwork.Clock, logger *slog.Logger) *Hub {
	if next == nil {
		next = journal.Nop{}
	}
	return &Hub{
		next:     next,
		clock:    clock,
		logger:   logger,
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

// Record implements journal.Recorder.
func (h *Hub) Record(ctx context.Context, e journal.Entry) error {
	if e.At.IsZero() {
		e.At = h.clock.Now()
	}
	err := h.next.Record(ctx, e)
	h.publish(e.Session, streamMessage{Type: MessageEvent, Data: e})
	return err
}

// Watchers returns the number of clients following session id.
func (h *Hub) Watchers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[id])
}

func (h *Hub) publish(id string, msg streamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("stream encode failed", "session", id, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers[id] {
		select {
		case w.send <- data:
		default:
		}
	}
}

func (h *Hub) add(id string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[id]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[id] = set
	}
	set[w] = struct{}{}
}

func (h *Hub) remove(id string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[id]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.watchers, id)
		}
	}
	w.close()
}

// drop tells every client of session id that it is gone and disconnects
// them.
func (h *Hub) drop(id string) {
	h.publish(id, streamMessage{Type: MessageClosed, Data: map[string]string{"id": id}})
	h.mu.Lock()
	set := h.watchers[id]
	delete(h.watchers, id)
	h.mu.Unlock()
	for w := range set {
		w.close()
	}
}

// handleStream upgrades to a WebSocket, sends the current status and then
// every event of the session until either side disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sess.ID, "error", err)
		return
	}

	s.hub.serve(conn, sess.ID, func() any { return status(sess) })
}

// serve follows session id on conn until it disconnects. The watcher is
// registered before snapshot is taken: events recorded in between wait in
// the send buffer and follow the status message, which already reflects them.
func (h *Hub) serve(conn *websocket.Conn, id string, snapshot func() any) {
	c := &watcher{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.add(id, c)
	first, err := json.Marshal(streamMessage{Type: MessageStatus, Data: snapshot()})
	if err != nil {
		h.logger.Error("stream encode failed", "session", id, "error", err)
		h.remove(id, c)
		conn.Close()
		return
	}
	go c.writePump(first)
	c.readPump()
	h.remove(id, c)
}

// readPump discards client frames and keeps the read deadline moving on
// pongs. It returns when the connection fails.
func (c *watcher) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes queued messages and pings until send is closed.
func (c *watcher) writePump(first []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
