// Package hub holds the live client connections and fans status and log
// events out to everyone watching a job, a subscriber's sessions, or the
// whole system.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum control message size allowed from peer.
	maxMessageSize = 512

	// Outbound frames buffered per connection before it is considered
	// stalled and dropped.
	sendBuffer = 256
)

// Conn is one live subscriber channel. Writes go through a buffered send
// channel consumed by a dedicated writer goroutine, so delivery to one peer
// can never block delivery to another.
type Conn struct {
	ID           string
	SubscriberID string
	ConnectedAt  time.Time

	// jobID is the single job this connection watches; guarded by the
	// registry's lock together with the job index.
	jobID string

	ws *websocket.Conn

	// mu orders enqueue against close: once closed is set no send on the
	// channel can happen, so closing it is safe even while broadcasters
	// still hold stale snapshots of this connection.
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// enqueue hands a payload to the writer goroutine without blocking. A false
// return means the connection is closed or its buffer is full: the peer is
// gone or too slow and should be dropped.
func (c *Conn) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// sendFrame marshals and enqueues a single frame to this connection.
func (c *Conn) sendFrame(f Frame) bool {
	payload, err := json.Marshal(f)
	if err != nil {
		return false
	}
	return c.enqueue(payload)
}

// close shuts the writer down. Safe to call more than once and safe against
// concurrent enqueue.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// write writes a message with the given message type and payload.
func (c *Conn) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps frames from the send channel to the websocket connection.
// It also keeps the peer alive with periodic pings; a peer that stops
// answering within pongWait kills the reader, which unregisters the
// connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames from the peer until the connection dies,
// then unregisters it everywhere.
func (c *Conn) readPump(r *Registry) {
	defer func() {
		r.Unregister(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg controlFrame
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Debug().Err(err).Str("connection_id", c.ID).Msg("Read error")
			}
			return
		}
		r.handleControl(c, msg)
	}
}
