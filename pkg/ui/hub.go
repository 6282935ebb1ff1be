// Package ui bridges session events and commands to browser clients over
// websockets.
package ui

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

const (
	clientQueueSize = 64
	writeTimeout    = 5 * time.Second
)

// Hub broadcasts session events to every attached client. Emit never blocks;
// a client whose queue is full is disconnected.
type Hub struct {
	log zerolog.Logger

	mu         sync.Mutex
	clients    map[*client]struct{}
	lastStatus []byte
	closed     bool
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	dropped bool
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:     logger,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Emit(ev protocol.Event) {
	frame, err := protocol.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.EventType()).Msg("encode ui event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := ev.(protocol.StatusEvent); ok {
		h.lastStatus = frame
	}
	for c := range h.clients {
		h.enqueueLocked(c, frame)
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// attach registers conn and starts its writer. The last status is queued
// first so a late client sees the current state.
func (h *Hub) attach(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientQueueSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}
	h.clients[c] = struct{}{}
	if h.lastStatus != nil {
		c.send <- h.lastStatus
	}
	return c
}

func (h *Hub) reply(c *client, ev protocol.Event) {
	frame, err := protocol.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.enqueueLocked(c, frame)
	}
}

func (h *Hub) enqueueLocked(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		metrics.RecordSinkDropped("ui", 1)
		h.log.Warn().Msg("ui client too slow, disconnecting")
		c.dropped = true
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// detach unregisters c and waits for its writer to flush.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
	<-c.done
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		h.removeLocked(c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
		<-c.done
	}
}

func (c *client) writeLoop() {
	defer close(c.done)
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = c.conn.Close()
			return
		}
	}
	if c.dropped {
		_ = c.conn.Close()
	}
}
