package models

import (
	"time"

	"github.com/google/uuid"
)

// ReadReceipt records that a member read a message.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	MemberID  uuid.UUID `json:"member_id"`
	ReadAt    time.Time `json:"read_at"`
}

// AnnouncementStats aggregates read receipts for one announcement message.
type AnnouncementStats struct {
	MessageID string  `json:"message_id"`
	Delivered int64   `json:"delivered"` // participants at post time
	Read      int64   `json:"read"`
	ReadRate  float64 `json:"read_rate"` // 0 when Delivered is 0
}

// ReceiptDetail is one participant's read status for an announcement.
type ReceiptDetail struct {
	MemberID   uuid.UUID  `json:"member_id"`
	MemberName string     `json:"member_name"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}
