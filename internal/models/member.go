package models

import (
	"time"

	"github.com/google/uuid"
)

// Member roles within an organization.
const (
	RoleTeacher   = "teacher"
	RolePrincipal = "principal"
	RoleParent    = "parent"
	RoleStudent   = "student"
)

// Member represents a registered user scoped to one organization.
type Member struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	TokenHash string    `json:"-"` // sha256 hex of the API token, never serialized
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidRole reports whether role is one of the known member roles.
func ValidRole(role string) bool {
	switch role {
	case RoleTeacher, RolePrincipal, RoleParent, RoleStudent:
		return true
	}
	return false
}
