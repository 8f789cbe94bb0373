package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darasahq/darasa/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// wsConn is the subset of *websocket.Conn the client uses. Tests substitute
// an in-memory implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Client represents a connected WebSocket client.
type Client struct {
	hub       *Hub
	conn      wsConn
	member    *models.Member
	sessionID string
	send      chan []byte
	sendMu    sync.Mutex
	closed    bool            // send channel closed by the hub
	subs      map[string]bool // Subscribed thread IDs
	subsMu    sync.RWMutex
}

// Member returns the authenticated member behind the connection.
func (c *Client) Member() *models.Member {
	return c.member
}

// SessionID returns the connection's session identifier.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Send queues data for delivery to the client, dropping on a full buffer.
// Safe to call after the hub has dropped the client.
func (c *Client) Send(data []byte) {
	c.trySend(data)
}

// trySend reports false when the client's buffer is full. Writes after the
// hub closed the channel are dropped; the ReadPump may still be handling a
// frame when that happens.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. Only the hub's unregister
// path calls this.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// SendEnvelope sends a protocol envelope to the client.
func (c *Client) SendEnvelope(t EventType, data interface{}) error {
	env, err := NewEnvelope(t, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.Send(raw)
	return nil
}

// SendError sends an error event to the client.
func (c *Client) SendError(code, message string) {
	_ = c.SendEnvelope(EventError, ErrorEvent{Code: code, Message: message})
}

// MarkReadFunc persists a mark-read request arriving over the socket.
type MarkReadFunc func(ctx context.Context, member *models.Member, threadID string, messageIDs []string)

// ReadPump consumes inbound events until the connection drops, then
// unregisters the client. Runs in its own goroutine per connection.
func (c *Client) ReadPump(ctx context.Context, markRead MarkReadFunc) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.SendError("bad_envelope", "malformed event")
			continue
		}

		switch env.Type {
		case EventSubscribe:
			var p SubscribePayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.ThreadID == "" {
				c.SendError("bad_payload", "subscribe requires thread_id")
				continue
			}
			if !c.hub.Subscribe(ctx, c, p.ThreadID) {
				c.SendError("forbidden", "not a participant of this thread")
			}

		case EventUnsubscribe:
			var p SubscribePayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.ThreadID == "" {
				c.SendError("bad_payload", "unsubscribe requires thread_id")
				continue
			}
			c.hub.Unsubscribe(c, p.ThreadID)

		case EventTyping:
			var p TypingPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.ThreadID == "" {
				c.SendError("bad_payload", "typing requires thread_id")
				continue
			}
			if !c.subscribed(p.ThreadID) {
				c.SendError("forbidden", "subscribe before typing")
				continue
			}
			c.hub.HandleTyping(p.ThreadID, c.member)

		case EventMarkRead:
			var p MarkReadPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.ThreadID == "" || len(p.MessageIDs) == 0 {
				c.SendError("bad_payload", "mark_read requires thread_id and message_ids")
				continue
			}
			if !c.subscribed(p.ThreadID) {
				c.SendError("forbidden", "subscribe before marking read")
				continue
			}
			if markRead != nil {
				markRead(ctx, c.member, p.ThreadID, p.MessageIDs)
			}

		default:
			c.SendError("unknown_type", "unknown event type")
		}
	}
}

// WritePump drains the send channel to the socket and keeps the connection
// alive with pings. Runs in its own goroutine per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) subscribed(threadID string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[threadID]
}
