package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"mm-relay/internal/model"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// Close codes sent to a client when the server ends the connection.
const (
	CloseSlowConsumer = websocket.ClosePolicyViolation
	CloseShutdown     = websocket.CloseGoingAway
)

// Client represents a single WebSocket peer. Producers only enqueue onto
// send; writePump is the only goroutine that writes to conn.
type Client struct {
	id     model.ConnID
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	quit   chan struct{}
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	lastSent    map[model.InstrumentKey]uint64
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := model.NewConnID()
	return &Client{
		id:       id,
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, h.queueDepth),
		quit:     make(chan struct{}),
		logger:   h.logger.With("conn_id", id.String()),
		lastSent: make(map[model.InstrumentKey]uint64),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() model.ConnID { return c.id }

// enqueueResult describes what happened to a frame offered to a client.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	skipped                // closed, or not newer than what this client already has
	overflow               // queue full; the client is now closed
)

// enqueueQuote offers a quote frame. A frame whose sequence is not above the
// last one sent to this client for the same key is skipped. On overflow the
// client is marked closed before the lock is released, so it gets nothing
// further.
func (c *Client) enqueueQuote(q model.Quote, frame []byte) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return skipped
	}
	if last, ok := c.lastSent[q.Key]; ok && q.Sequence <= last {
		return skipped
	}
	select {
	case c.send <- frame:
		c.lastSent[q.Key] = q.Sequence
		return enqueued
	default:
		c.closeLocked(CloseSlowConsumer, "slow consumer")
		return overflow
	}
}

// enqueueControl offers a control reply under the same overflow policy.
func (c *Client) enqueueControl(reply ControlReply) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return skipped
	}
	select {
	case c.send <- reply.encode():
		return enqueued
	default:
		c.closeLocked(CloseSlowConsumer, "slow consumer")
		return overflow
	}
}

// close marks the client closed and signals writePump. Idempotent.
func (c *Client) close(code int, reason string) {
	c.mu.Lock()
	c.closeLocked(code, reason)
	c.mu.Unlock()
}

func (c *Client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.quit)
}

// isClosed reports whether the client stopped accepting frames.
func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.Disconnect(c.id, websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Disconnect(c.id, websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.hub.Disconnect(c.id, websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			// Oversized frames are the one malformed input that ends the
			// connection: the reader cannot skip past them.
			if errors.Is(err, websocket.ErrReadLimit) {
				c.hub.metrics.Malformed(c.hub.role)
				c.logger.Warn("ws frame over read limit", "limit", maxMessageSize)
				c.hub.Disconnect(c.id, websocket.CloseMessageTooBig, "message too big")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws read error", "err", err)
			}
			return
		}

		ctl, err := ParseControl(msg)
		if errors.Is(err, errMalformed) {
			c.hub.metrics.Malformed(c.hub.role)
			continue
		}
		if err != nil {
			c.hub.metrics.Malformed(c.hub.role)
			c.hub.reply(c, ControlReply{Type: TypeError, Error: err.Error()})
			continue
		}

		switch ctl.Action {
		case ActionSubscribe:
			c.hub.Subscribe(c.id, ctl.Key)
		case ActionUnsubscribe:
			c.hub.Unsubscribe(c.id, ctl.Key)
		case ActionPing:
			c.hub.reply(c, ControlReply{Type: TypePong, ServerTS: time.Now().UnixMilli()})
		}
	}
}
