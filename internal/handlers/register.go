package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/darasahq/darasa/internal/api/middleware"
	"github.com/darasahq/darasa/internal/crypto"
	"github.com/darasahq/darasa/internal/metrics"
	"github.com/darasahq/darasa/internal/models"
)

// RegisterRequest represents the member registration request.
type RegisterRequest struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// RegisterResponse represents the response from member registration.
// Token is returned exactly once; only its digest is stored.
type RegisterResponse struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Token string `json:"token"`
}

// Register handles member registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid org_id format")
		return
	}

	req.Name = sanitizeName(req.Name)
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	if !models.ValidRole(req.Role) {
		h.Error(w, http.StatusBadRequest, "role must be teacher, principal, parent or student")
		return
	}

	token, err := crypto.NewToken()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	member, err := h.pg.CreateMember(r.Context(), orgID, req.Name, req.Role, crypto.TokenDigest(token))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create member")
		return
	}

	metrics.MembersRegistered.Inc()

	h.JSON(w, http.StatusCreated, RegisterResponse{
		ID:    member.ID.String(),
		OrgID: member.OrgID.String(),
		Token: token,
	})
}

// MemberProfile represents a member's public profile.
type MemberProfile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	JoinedAt string `json:"joined_at"`
	Online   bool   `json:"online"`
}

// Who handles member profile lookup, scoped to the caller's organization.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetMemberFromContext(r.Context())
	if caller == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid member ID format")
		return
	}

	member, err := h.pg.GetMemberByID(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	// Members of other organizations are reported as not found
	if member == nil || member.OrgID != caller.OrgID {
		h.Error(w, http.StatusNotFound, "member not found")
		return
	}

	h.JSON(w, http.StatusOK, MemberProfile{
		ID:       member.ID.String(),
		Name:     member.Name,
		Role:     member.Role,
		JoinedAt: member.CreatedAt.UTC().Format(time.RFC3339),
		Online:   h.hub.Online(member.ID.String()),
	})
}
