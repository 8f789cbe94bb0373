package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/darasahq/darasa/internal/metrics"
	"github.com/darasahq/darasa/internal/models"
)

// EventBus fans events out to other server instances. RedisStore implements it;
// a nil bus means single-instance operation.
type EventBus interface {
	PublishEvent(ctx context.Context, payload []byte) error
}

// TypingStore mirrors typing state into shared storage so other instances see
// it. RedisStore implements it.
type TypingStore interface {
	SetTyping(ctx context.Context, threadID, memberID string, expiry time.Duration) error
	ClearTyping(ctx context.Context, threadID, memberID string) error
}

// Authorizer reports whether a member may subscribe to a thread.
type Authorizer func(ctx context.Context, threadID, memberID string) bool

type threadMessage struct {
	threadID string
	data     []byte
	evType   EventType
}

// Hub manages WebSocket connections and event broadcasting.
type Hub struct {
	instanceID string
	logger     zerolog.Logger

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	threads    map[string]map[*Client]bool // threadID -> clients
	threadsMu  sync.RWMutex
	online     map[string]int // memberID -> open connections
	onlineMu   sync.Mutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan *threadMessage

	typing      *TypingTracker
	typingStore TypingStore
	bus         EventBus
	authorize   Authorizer
	typingTTL   time.Duration
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger, throttle, expiry time.Duration, authorize Authorizer) *Hub {
	h := &Hub{
		instanceID: ulid.Make().String(),
		logger:     logger,
		clients:    make(map[*Client]bool),
		threads:    make(map[string]map[*Client]bool),
		online:     make(map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *threadMessage, 256),
		authorize:  authorize,
		typingTTL:  expiry,
	}
	h.typing = NewTypingTracker(throttle, expiry, h.onTypingStopped)
	return h
}

// SetBus attaches a cross-instance event bus.
func (h *Hub) SetBus(bus EventBus) {
	h.bus = bus
}

// SetTypingStore attaches shared typing state storage.
func (h *Hub) SetTypingStore(ts TypingStore) {
	h.typingStore = ts
}

// Typing exposes the tracker for tests and handlers.
func (h *Hub) Typing() *TypingTracker {
	return h.typing
}

// Run starts the hub's main loop and the typing sweeper.
func (h *Hub) Run(ctx context.Context) {
	go h.typing.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			h.clientsMu.Unlock()
			h.memberConnected(client.member.ID.String())
			metrics.WSConnections.Inc()
			h.logger.Debug().
				Str("member_id", client.member.ID.String()).
				Msg("client connected")

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			} else {
				h.clientsMu.Unlock()
				continue
			}
			h.clientsMu.Unlock()

			// Remove from all thread subscriptions
			client.subsMu.RLock()
			subs := make([]string, 0, len(client.subs))
			for threadID := range client.subs {
				subs = append(subs, threadID)
			}
			client.subsMu.RUnlock()
			for _, threadID := range subs {
				h.dropFromThread(client, threadID)
			}

			memberID := client.member.ID.String()
			h.typing.StopMember(memberID)
			if h.memberDisconnected(memberID) {
				for _, threadID := range subs {
					h.BroadcastPresence(threadID, memberID, false)
				}
			}
			metrics.WSConnections.Dec()
			h.logger.Debug().
				Str("member_id", memberID).
				Msg("client disconnected")

		case msg := <-h.broadcast:
			// Snapshot under the lock; Subscribe and Unsubscribe mutate the
			// inner map from ReadPump goroutines.
			h.threadsMu.RLock()
			subs := h.threads[msg.threadID]
			clients := make([]*Client, 0, len(subs))
			for client := range subs {
				clients = append(clients, client)
			}
			h.threadsMu.RUnlock()

			for _, client := range clients {
				if client.trySend(msg.data) {
					metrics.WSEventsSent.WithLabelValues(string(msg.evType)).Inc()
				} else {
					// Client buffer full, disconnect
					go func(c *Client) { h.unregister <- c }(client)
				}
			}
		}
	}
}

// Subscribe subscribes a client to a thread after authorization.
func (h *Hub) Subscribe(ctx context.Context, client *Client, threadID string) bool {
	if h.authorize != nil && !h.authorize(ctx, threadID, client.member.ID.String()) {
		return false
	}

	h.threadsMu.Lock()
	if h.threads[threadID] == nil {
		h.threads[threadID] = make(map[*Client]bool)
	}
	h.threads[threadID][client] = true
	h.threadsMu.Unlock()

	client.subsMu.Lock()
	client.subs[threadID] = true
	client.subsMu.Unlock()

	h.BroadcastPresence(threadID, client.member.ID.String(), true)
	return true
}

// Unsubscribe unsubscribes a client from a thread.
func (h *Hub) Unsubscribe(client *Client, threadID string) {
	h.dropFromThread(client, threadID)

	client.subsMu.Lock()
	delete(client.subs, threadID)
	client.subsMu.Unlock()
}

func (h *Hub) dropFromThread(client *Client, threadID string) {
	h.threadsMu.Lock()
	if clients, ok := h.threads[threadID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.threads, threadID)
		}
	}
	h.threadsMu.Unlock()
}

func (h *Hub) memberConnected(memberID string) {
	h.onlineMu.Lock()
	h.online[memberID]++
	h.onlineMu.Unlock()
}

// memberDisconnected reports true when this was the member's last connection.
func (h *Hub) memberDisconnected(memberID string) bool {
	h.onlineMu.Lock()
	defer h.onlineMu.Unlock()
	h.online[memberID]--
	if h.online[memberID] <= 0 {
		delete(h.online, memberID)
		return true
	}
	return false
}

// Online reports whether a member has at least one open connection here.
func (h *Hub) Online(memberID string) bool {
	h.onlineMu.Lock()
	defer h.onlineMu.Unlock()
	return h.online[memberID] > 0
}

// broadcastLocal fans an envelope out to local subscribers of a thread.
func (h *Hub) broadcastLocal(threadID string, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	select {
	case h.broadcast <- &threadMessage{threadID: threadID, data: data, evType: env.Type}:
	default:
		// Broadcast queue full; realtime events are droppable
		h.logger.Warn().Str("thread_id", threadID).Msg("broadcast queue full, event dropped")
	}
}

// publish mirrors an envelope to other instances through the bus.
func (h *Hub) publish(threadID string, env *Envelope) {
	if h.bus == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	payload, err := json.Marshal(remoteEvent{
		Origin:   h.instanceID,
		ThreadID: threadID,
		Envelope: raw,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.bus.PublishEvent(ctx, payload); err != nil {
		h.logger.Warn().Err(err).Msg("event bus publish failed")
	}
}

// fanout broadcasts locally and mirrors to the bus.
func (h *Hub) fanout(threadID string, env *Envelope) {
	h.broadcastLocal(threadID, env)
	h.publish(threadID, env)
}

// ApplyRemote applies an event received from the bus, skipping events this
// instance originated.
func (h *Hub) ApplyRemote(payload []byte) {
	var remote remoteEvent
	if err := json.Unmarshal(payload, &remote); err != nil {
		h.logger.Warn().Err(err).Msg("malformed bus event")
		return
	}
	if remote.Origin == h.instanceID {
		return
	}
	var env Envelope
	if err := json.Unmarshal(remote.Envelope, &env); err != nil {
		return
	}
	h.broadcastLocal(remote.ThreadID, &env)
}

// BroadcastMessage fans a stored message out to thread subscribers.
func (h *Hub) BroadcastMessage(threadID string, msg models.Message) {
	env, err := NewEnvelope(EventMessage, MessageEvent{ThreadID: threadID, Message: msg})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create message envelope")
		return
	}
	h.fanout(threadID, env)

	// A fresh message supersedes the sender's typing state.
	h.typing.Stop(threadID, msg.SenderID)
}

// BroadcastReceipt fans a read receipt out to thread subscribers.
func (h *Hub) BroadcastReceipt(ev ReceiptEvent) {
	env, err := NewEnvelope(EventReceipt, ev)
	if err != nil {
		return
	}
	h.fanout(ev.ThreadID, env)
}

// BroadcastPresence fans a presence change out to thread subscribers.
func (h *Hub) BroadcastPresence(threadID, memberID string, online bool) {
	env, err := NewEnvelope(EventPresence, PresenceEvent{
		ThreadID: threadID,
		MemberID: memberID,
		Online:   online,
	})
	if err != nil {
		return
	}
	h.fanout(threadID, env)
}

// HandleTyping processes a typing signal from a member. Signals inside the
// throttle window refresh expiry without fanout.
func (h *Hub) HandleTyping(threadID string, member *models.Member) {
	memberID := member.ID.String()
	if !h.typing.Signal(threadID, memberID, member.Name, time.Now()) {
		metrics.TypingSuppressed.Inc()
		return
	}
	metrics.TypingBroadcasts.Inc()

	if h.typingStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = h.typingStore.SetTyping(ctx, threadID, memberID, h.typingTTL)
		cancel()
	}

	env, err := NewEnvelope(EventTypingStarted, TypingEvent{
		ThreadID:   threadID,
		MemberID:   memberID,
		MemberName: member.Name,
	})
	if err != nil {
		return
	}
	h.fanout(threadID, env)
}

// onTypingStopped is the tracker callback emitting typing_stopped events.
func (h *Hub) onTypingStopped(threadID, memberID, memberName string) {
	if h.typingStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = h.typingStore.ClearTyping(ctx, threadID, memberID)
		cancel()
	}

	env, err := NewEnvelope(EventTypingStopped, TypingEvent{
		ThreadID:   threadID,
		MemberID:   memberID,
		MemberName: memberName,
	})
	if err != nil {
		return
	}
	h.fanout(threadID, env)
}

// NewClient creates a new client for the hub.
func (h *Hub) NewClient(conn wsConn, member *models.Member) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		member:    member,
		sessionID: ulid.Make().String(),
		send:      make(chan []byte, 256),
		subs:      make(map[string]bool),
	}
}

// Register registers a client with the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister unregisters a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
