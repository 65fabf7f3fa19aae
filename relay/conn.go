package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Keepalive settings per the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Replies buffered per connection before the connection counts as stuck
	sendBuffer = 64
)

// conn is one worker connection and its routing identity
type conn struct {
	relay    *Relay
	ws       *websocket.Conn
	identity string
	peerKey  string
	limiter  *rate.Limiter

	send     chan []byte
	done     chan struct{} // closed once the connection is finished
	stopOnce sync.Once
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// enqueue queues a reply without ever blocking a pool unit. A connection
// whose buffer is full is not reading and gets disconnected.
func (c *conn) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.relay.logger.Warnw("Reply buffer full, disconnecting", "identity", c.identity, "peer_key", c.peerKey)
		c.ws.Close()
	}
}

// readPump is the only goroutine reading ws and the only one enqueuing for
// this connection, which keeps a single connection's requests in order.
func (c *conn) readPump() {
	defer func() {
		c.relay.unregister(c)
		c.ws.Close()
		c.relay.pumps.Done()
	}()

	if c.relay.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.relay.cfg.MaxMessageBytes)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		// Backpressure: a fast sender waits here instead of being dropped
		if err := c.limiter.Wait(c.relay.ctx); err != nil {
			return
		}
		env := Envelope{Identity: c.identity, PeerKey: c.peerKey, Payload: payload}
		if !c.relay.enqueue(env) {
			return
		}
	}
}

// handleReadError logs unexpected read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *conn) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.relay.logger.Warnw("WebSocket read error", "identity", c.identity, "error", err)
	}
}

// writePump is the only writer on ws
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.relay.writers.Done()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.relay.logger.Debugw("Reply write error", "identity", c.identity, "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
