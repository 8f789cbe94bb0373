package realtime

import (
	"encoding/json"

	"github.com/darasahq/darasa/internal/models"
)

// EventType identifies the type of WebSocket event.
type EventType string

const (
	// Client -> Server
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventTyping      EventType = "typing"
	EventMarkRead    EventType = "mark_read"

	// Server -> Client
	EventReady         EventType = "ready"
	EventMessage       EventType = "message"
	EventTypingStarted EventType = "typing_started"
	EventTypingStopped EventType = "typing_stopped"
	EventReceipt       EventType = "receipt"
	EventPresence      EventType = "presence"
	EventError         EventType = "error"
)

// Envelope wraps every event on the wire.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with a marshaled payload.
func NewEnvelope(t EventType, data interface{}) (*Envelope, error) {
	if data == nil {
		return &Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Data: raw}, nil
}

// SubscribePayload subscribes or unsubscribes a connection to a thread.
type SubscribePayload struct {
	ThreadID string `json:"thread_id"`
}

// TypingPayload signals that the sender is typing in a thread.
type TypingPayload struct {
	ThreadID string `json:"thread_id"`
}

// MarkReadPayload marks messages as read over the socket.
type MarkReadPayload struct {
	ThreadID   string   `json:"thread_id"`
	MessageIDs []string `json:"message_ids"`
}

// ReadyEvent acknowledges a successful connection.
type ReadyEvent struct {
	MemberID  string `json:"member_id"`
	SessionID string `json:"session_id"`
}

// MessageEvent fans a stored message out to thread subscribers.
type MessageEvent struct {
	ThreadID string         `json:"thread_id"`
	Message  models.Message `json:"message"`
}

// TypingEvent reports a member typing (or having stopped) in a thread.
type TypingEvent struct {
	ThreadID   string `json:"thread_id"`
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name,omitempty"`
}

// ReceiptEvent reports messages read by a member.
type ReceiptEvent struct {
	ThreadID   string   `json:"thread_id"`
	MemberID   string   `json:"member_id"`
	MessageIDs []string `json:"message_ids"`
	ReadAt     int64    `json:"read_at"` // Unix ms
}

// PresenceEvent reports a member going online or offline.
type PresenceEvent struct {
	ThreadID string `json:"thread_id"`
	MemberID string `json:"member_id"`
	Online   bool   `json:"online"`
}

// ErrorEvent reports a client-level error over the socket.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// remoteEvent wraps an envelope published on the Redis event channel so that
// instances can skip events they originated themselves.
type remoteEvent struct {
	Origin   string          `json:"origin"`
	ThreadID string          `json:"thread_id"`
	Envelope json.RawMessage `json:"envelope"`
}
