package models

import (
	"time"

	"github.com/google/uuid"
)

// Thread kinds. Announcement threads are one-to-many broadcast channels;
// their participant set is materialized when the announcement is posted.
const (
	ThreadDirect       = "direct"
	ThreadGroup        = "group"
	ThreadAnnouncement = "announcement"
)

// Thread represents a conversation within an organization.
type Thread struct {
	ID           uuid.UUID  `json:"id"`
	OrgID        uuid.UUID  `json:"org_id"`
	Kind         string     `json:"kind"`
	Subject      string     `json:"subject"`
	CreatedBy    *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	MessageCount int64      `json:"message_count"`
}

// ValidThreadKind reports whether kind is a known thread kind.
func ValidThreadKind(kind string) bool {
	switch kind {
	case ThreadDirect, ThreadGroup, ThreadAnnouncement:
		return true
	}
	return false
}
