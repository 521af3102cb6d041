package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/copyleftdev/smbo/internal/optimization"
)

const writeWait = 10 * time.Second

// streamMessage is what stream subscribers receive: a status snapshot on
// connect, one "progress" message per evaluation and a final "done".
type streamMessage struct {
	Type   string                       `json:"type"`
	Update *optimization.ProgressUpdate `json:"update,omitempty"`
	Status *StatusResponse              `json:"status,omitempty"`
}

// Hub fans one run's progress out to websocket clients. It stops after
// finish; later subscribers only get a snapshot.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	final      chan []byte
	done       chan struct{}
	clients    map[*Client]bool
	last       []byte // final message, readable once done is closed
	once       sync.Once
	logger     *zap.Logger
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger *zap.Logger) *Hub {
	h := &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		final:      make(chan []byte),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			h.deliver(msg)
		case msg := <-h.final:
			// Drain progress queued before the final message
			for drained := false; !drained; {
				select {
				case queued := <-h.broadcast:
					h.deliver(queued)
				default:
					drained = true
				}
			}
			h.deliver(msg)
			h.last = msg
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

func (h *Hub) deliver(msg []byte) {
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// OnProgress broadcasts an update without blocking the run.
func (h *Hub) OnProgress(update optimization.ProgressUpdate) {
	b, err := json.Marshal(streamMessage{Type: "progress", Update: &update})
	if err != nil {
		h.logger.Warn("failed to encode progress", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- b:
	case <-h.done:
	default:
		h.logger.Debug("progress dropped, stream queue full", zap.Int("iteration", update.Iteration))
	}
}

// finish delivers msg to every client and shuts the hub down.
func (h *Hub) finish(msg streamMessage) {
	h.once.Do(func() {
		b, err := json.Marshal(msg)
		if err != nil {
			b = []byte(`{"type":"done"}`)
		}
		select {
		case h.final <- b:
		case <-h.done:
		}
		<-h.done
	})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleStream handles GET /api/v1/optimization/{id}/stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.optimizationsMu.RLock()
	state, ok := s.optimizations[id]
	var snapshot *StatusResponse
	if ok {
		snapshot = s.statusLocked(state, false)
	}
	s.optimizationsMu.RUnlock()
	if !ok {
		writeError(w, errNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", map[string]interface{}{
			"optimization_id": id,
			"error":           err.Error(),
		})
		return
	}
	serveWS(state.hub, conn, snapshot)
}

func serveWS(h *Hub, conn *websocket.Conn, snapshot *StatusResponse) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(streamMessage{Type: "status", Status: snapshot}); err != nil {
		conn.Close()
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, h.last)
		closeConn(conn)
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	defer closeConn(c.conn)
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.leave()
			// Drain until the hub closes send
			for range c.send {
			}
			return
		}
	}
}

// readPump discards client messages and notices disconnects.
func (c *Client) readPump() {
	// Clear the read deadline inherited from the HTTP server
	c.conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.leave()
			return
		}
	}
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func closeConn(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	conn.Close()
}
