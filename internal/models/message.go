package models

// Message represents a chat message stored in Redis.
type Message struct {
	ID          string `json:"id"`                // ULID
	ThreadID    string `json:"thread_id"`
	SenderID    string `json:"from"`              // Member UUID
	Body        string `json:"body"`
	ClientMsgID string `json:"cid,omitempty"`     // Client-assigned ULID for idempotent replay
	ParentID    string `json:"pid,omitempty"`     // For threading
	Timestamp   int64  `json:"ts"`                // Unix ms
}
