package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/darasahq/darasa/internal/api/middleware"
)

const maxMarkReadBatch = 200

// MarkReadRequest represents the bulk mark-read request.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkReadResponse represents the mark-read response.
type MarkReadResponse struct {
	Recorded int `json:"recorded"` // New receipts; re-reads count zero
}

// MarkRead handles bulk read-receipt recording for a thread (authenticated).
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	member := middleware.GetMemberFromContext(r.Context())
	if member == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid thread ID format")
		return
	}

	thread, err := h.pg.GetThread(r.Context(), member.OrgID, threadID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if thread == nil {
		h.Error(w, http.StatusNotFound, "thread not found")
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.MessageIDs) == 0 {
		h.Error(w, http.StatusBadRequest, "message_ids is required")
		return
	}
	if len(req.MessageIDs) > maxMarkReadBatch {
		h.Error(w, http.StatusUnprocessableEntity, "too many message IDs (max 200)")
		return
	}

	recorded, err := h.markRead(r.Context(), member, threadID, req.MessageIDs)
	if err != nil {
		if errors.Is(err, errNotParticipant) {
			h.Error(w, http.StatusForbidden, "not a participant of this thread")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to record receipts")
		return
	}

	h.JSON(w, http.StatusOK, MarkReadResponse{Recorded: recorded})
}
