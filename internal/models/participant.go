package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is a membership row linking a member to a thread.
// LastReadAt is the member's read watermark: every message in the thread
// with a timestamp at or below it counts as read.
type Participant struct {
	ThreadID   uuid.UUID  `json:"thread_id"`
	MemberID   uuid.UUID  `json:"member_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
	Muted      bool       `json:"muted"`
}
