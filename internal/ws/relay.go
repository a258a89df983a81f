package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/banana-clicker/backend/internal/store"
)

type client struct {
	conn  *websocket.Conn
	relay *Relay

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.relay.Remove(c)
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// enqueue queues a message without ever blocking. It reports false when
// the client is gone or its buffer is full.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// reply sends a unicast message to this connection only.
func (c *client) reply(msgType MessageType, payload any) {
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// Relay fans events out to every connected client, authenticated or not.
// There is no backlog: a client that isn't connected when Publish is
// called simply misses the event.
type Relay struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	sendBuffer int
	log        *zap.Logger

	// publishMu serializes Publish calls so every client observes events
	// in the same order they were published.
	publishMu sync.Mutex
}

func NewRelay(sendBuffer int, log *zap.Logger) *Relay {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		clients:    make(map[*client]bool),
		sendBuffer: sendBuffer,
		log:        log,
	}
}

func (r *Relay) Add(conn *websocket.Conn) *client {
	c := &client{
		conn:  conn,
		relay: r,
		send:  make(chan []byte, r.sendBuffer),
	}
	go c.writePump()

	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
	return c
}

func (r *Relay) Remove(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		c.close()
	}
	r.mu.Unlock()
}

// Publish marshals the event once and queues it on every connection.
func (r *Relay) Publish(msgType MessageType, payload any) {
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		r.log.Error("publish marshal failed", zap.Error(err))
		return
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			// Client can't keep up, disconnect it.
			r.log.Warn("ws client too slow, disconnecting")
			r.Remove(c)
		}
	}
}

// CounterUpdated lets the session registry broadcast a user's live total.
func (r *Relay) CounterUpdated(userID uuid.UUID, total int64) {
	r.Publish(MsgCounterUpdated, CounterUpdatedPayload{UserID: userID, Count: total})
}

// UserJoined announces a freshly registered account to everyone connected.
func (r *Relay) UserJoined(u *store.User) {
	r.Publish(MsgNewUserJoined, u)
}

// CloseAll drops every connection. Used at shutdown: closing the
// transports ends each gateway read loop, which disconnects its session
// and flushes whatever is still pending.
func (r *Relay) CloseAll() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
		r.Remove(c)
	}
}

func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
