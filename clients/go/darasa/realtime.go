package darasa

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// ConnState is the realtime connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// typingThrottle is the minimum gap between typing signals sent to the
// server for the same thread. The server enforces its own window; this
// just avoids pointless frames.
const typingThrottle = 3 * time.Second

// MessageEvent is a message pushed over the realtime channel.
type MessageEvent struct {
	ThreadID string  `json:"thread_id"`
	Message  Message `json:"message"`
}

// TypingEvent reports a peer starting or stopping typing in a thread.
type TypingEvent struct {
	ThreadID   string `json:"thread_id"`
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name,omitempty"`
	Started    bool   `json:"-"`
}

// ReceiptEvent reports read receipts recorded by a peer.
type ReceiptEvent struct {
	ThreadID   string   `json:"thread_id"`
	MemberID   string   `json:"member_id"`
	MessageIDs []string `json:"message_ids"`
	ReadAt     int64    `json:"read_at"`
}

// PresenceEvent reports a member going online or offline.
type PresenceEvent struct {
	ThreadID string `json:"thread_id"`
	MemberID string `json:"member_id"`
	Online   bool   `json:"online"`
}

// envelope mirrors the server's websocket frame format.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Realtime maintains a websocket to the server, redialing with backoff
// when the link drops. Subscriptions survive reconnects, and every
// transition to Connected triggers an outbox flush so messages composed
// offline drain as soon as the network returns.
type Realtime struct {
	client *Client

	// OnState is called on every connection state change.
	OnState func(state ConnState)
	// OnMessage is called for each message pushed to a subscribed thread.
	OnMessage func(ev MessageEvent)
	// OnTyping is called when a peer starts or stops typing.
	OnTyping func(ev TypingEvent)
	// OnReceipt is called when a peer records read receipts.
	OnReceipt func(ev ReceiptEvent)
	// OnPresence is called when a member's online status changes.
	OnPresence func(ev PresenceEvent)
	// OnFlush is called after each reconnect flush with the delivered count.
	OnFlush func(delivered int, err error)

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	subs       map[string]bool
	typingSent map[string]time.Time
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Realtime creates a realtime watcher for this client. Call Start to
// begin connecting.
func (c *Client) Realtime() *Realtime {
	return &Realtime{
		client:     c,
		state:      StateDisconnected,
		subs:       make(map[string]bool),
		typingSent: make(map[string]time.Time),
	}
}

// State returns the current connection state.
func (rt *Realtime) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Start launches the connect loop. It returns immediately; use the
// callbacks to observe events. Cancel the context or call Close to stop.
func (rt *Realtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	rt.mu.Lock()
	rt.cancel = cancel
	rt.done = make(chan struct{})
	rt.mu.Unlock()

	go rt.run(ctx)
}

// Close tears down the connection and stops the redial loop.
func (rt *Realtime) Close() {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	cancel := rt.cancel
	conn := rt.conn
	done := rt.done
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (rt *Realtime) run(ctx context.Context) {
	defer close(rt.done)
	defer rt.setState(StateDisconnected)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0 // redial forever

	for {
		if ctx.Err() != nil {
			return
		}

		rt.setState(StateConnecting)
		conn, err := rt.dial(ctx)
		if err != nil {
			rt.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.NextBackOff()):
			}
			continue
		}

		connectedAt := time.Now()

		rt.mu.Lock()
		rt.conn = conn
		subs := make([]string, 0, len(rt.subs))
		for threadID := range rt.subs {
			subs = append(subs, threadID)
		}
		rt.mu.Unlock()

		rt.setState(StateConnected)

		// Re-establish subscriptions, then drain the outbox. The flush
		// runs in its own goroutine so a slow server cannot stall the
		// read loop below.
		for _, threadID := range subs {
			rt.send(envelope{Type: "subscribe", Data: mustMarshal(map[string]string{"thread_id": threadID})})
		}
		go rt.flushOutbox(ctx)

		rt.readLoop(ctx, conn)

		rt.mu.Lock()
		rt.conn = nil
		rt.mu.Unlock()
		conn.Close()
		rt.setState(StateDisconnected)

		// A link that held for a while earns a fresh backoff; one that
		// died instantly keeps climbing, so a flapping server is not
		// hammered.
		if time.Since(connectedAt) > 30*time.Second {
			policy.Reset()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.NextBackOff()):
		}
	}
}

func (rt *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(rt.client.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", rt.client.Token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	return conn, err
}

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		rt.dispatch(env)

		if ctx.Err() != nil {
			return
		}
	}
}

func (rt *Realtime) dispatch(env envelope) {
	switch env.Type {
	case "message":
		if rt.OnMessage == nil {
			return
		}
		var ev MessageEvent
		if json.Unmarshal(env.Data, &ev) == nil {
			rt.OnMessage(ev)
		}
	case "typing_started", "typing_stopped":
		if rt.OnTyping == nil {
			return
		}
		var ev TypingEvent
		if json.Unmarshal(env.Data, &ev) == nil {
			ev.Started = env.Type == "typing_started"
			rt.OnTyping(ev)
		}
	case "receipt":
		if rt.OnReceipt == nil {
			return
		}
		var ev ReceiptEvent
		if json.Unmarshal(env.Data, &ev) == nil {
			rt.OnReceipt(ev)
		}
	case "presence":
		if rt.OnPresence == nil {
			return
		}
		var ev PresenceEvent
		if json.Unmarshal(env.Data, &ev) == nil {
			rt.OnPresence(ev)
		}
	}
}

// flushOutbox drains queued messages after a reconnect.
func (rt *Realtime) flushOutbox(ctx context.Context) {
	delivered, err := rt.client.FlushOutbox(ctx)
	if rt.OnFlush != nil {
		rt.OnFlush(delivered, err)
	}
}

func (rt *Realtime) setState(state ConnState) {
	rt.mu.Lock()
	if rt.state == state {
		rt.mu.Unlock()
		return
	}
	rt.state = state
	cb := rt.OnState
	rt.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

// send writes an envelope if connected. Best effort; a dropped frame is
// recovered by the resubscribe on the next reconnect.
func (rt *Realtime) send(env envelope) bool {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env) == nil
}

// Subscribe starts receiving events for a thread. The subscription is
// remembered and re-established after every reconnect.
func (rt *Realtime) Subscribe(threadID string) {
	rt.mu.Lock()
	rt.subs[threadID] = true
	rt.mu.Unlock()

	rt.send(envelope{Type: "subscribe", Data: mustMarshal(map[string]string{"thread_id": threadID})})
}

// Unsubscribe stops receiving events for a thread.
func (rt *Realtime) Unsubscribe(threadID string) {
	rt.mu.Lock()
	delete(rt.subs, threadID)
	delete(rt.typingSent, threadID)
	rt.mu.Unlock()

	rt.send(envelope{Type: "unsubscribe", Data: mustMarshal(map[string]string{"thread_id": threadID})})
}

// Typing signals that the local member is typing in a thread. Signals
// inside the throttle window are dropped locally. Returns true if a
// frame was actually sent.
func (rt *Realtime) Typing(threadID string) bool {
	now := time.Now()

	rt.mu.Lock()
	last, ok := rt.typingSent[threadID]
	if ok && now.Sub(last) < typingThrottle {
		rt.mu.Unlock()
		return false
	}
	rt.typingSent[threadID] = now
	rt.mu.Unlock()

	return rt.send(envelope{Type: "typing", Data: mustMarshal(map[string]string{"thread_id": threadID})})
}

// MarkRead records read receipts over the realtime channel. Falls back
// to the HTTP endpoint when disconnected.
func (rt *Realtime) MarkRead(threadID string, messageIDs []string) error {
	sent := rt.send(envelope{Type: "mark_read", Data: mustMarshal(map[string]interface{}{
		"thread_id":   threadID,
		"message_ids": messageIDs,
	})})
	if sent {
		return nil
	}
	_, err := rt.client.MarkRead(threadID, messageIDs)
	return err
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
