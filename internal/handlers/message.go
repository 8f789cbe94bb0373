package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/darasahq/darasa/internal/api/middleware"
	"github.com/darasahq/darasa/internal/metrics"
	"github.com/darasahq/darasa/internal/models"
)

const maxMessageBody = 4096

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Body        string `json:"body"`
	ClientMsgID string `json:"cid,omitempty"`
	ParentID    string `json:"pid,omitempty"`
}

// PostMessageResponse represents the post message response.
type PostMessageResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// PostMessage handles posting a message to a thread (authenticated).
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
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

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, status, errMsg := h.storeMessage(r.Context(), member, threadID, req)
	if errMsg != "" {
		h.Error(w, status, errMsg)
		return
	}
	h.JSON(w, status, *resp)
}

// storeMessage validates and stores one message, fanning it out on success.
// Shared by PostMessage and the offline outbox replay path. Returns a response,
// an HTTP status, and a non-empty error message on failure.
func (h *Handler) storeMessage(ctx context.Context, member *models.Member, threadID uuid.UUID, req PostMessageRequest) (*PostMessageResponse, int, string) {
	thread, err := h.pg.GetThread(ctx, member.OrgID, threadID)
	if err != nil {
		return nil, http.StatusInternalServerError, "database error"
	}
	if thread == nil {
		return nil, http.StatusNotFound, "thread not found"
	}

	participant, err := h.pg.GetParticipant(ctx, threadID, member.ID)
	if err != nil {
		return nil, http.StatusInternalServerError, "database error"
	}
	if participant == nil {
		return nil, http.StatusForbidden, "not a participant of this thread"
	}

	// Announcement threads only accept posts from their creator
	if thread.Kind == models.ThreadAnnouncement && (thread.CreatedBy == nil || *thread.CreatedBy != member.ID) {
		return nil, http.StatusForbidden, "only the announcement author can post here"
	}

	if req.Body == "" {
		return nil, http.StatusBadRequest, "body is required"
	}
	if len(req.Body) > maxMessageBody {
		return nil, http.StatusUnprocessableEntity, "body too long (max 4096 bytes)"
	}

	// Validate parent message if provided
	if req.ParentID != "" {
		parentMsg, err := h.msgs.GetMessage(ctx, threadID.String(), req.ParentID)
		if err != nil {
			return nil, http.StatusInternalServerError, "failed to validate parent message"
		}
		if parentMsg == nil {
			return nil, http.StatusUnprocessableEntity, "parent message not found in this thread"
		}
	}

	msg := &models.Message{
		ID:          ulid.Make().String(),
		ThreadID:    threadID.String(),
		SenderID:    member.ID.String(),
		Body:        req.Body,
		ClientMsgID: req.ClientMsgID,
		ParentID:    req.ParentID,
		Timestamp:   time.Now().UnixMilli(),
	}

	// Idempotent replay: the first claim of a client message ID wins, later
	// claims return the originally stored message.
	if req.ClientMsgID != "" {
		serverID, claimed, err := h.msgs.ClaimClientMsgID(ctx, msg.ThreadID, req.ClientMsgID, msg.ID)
		if err != nil {
			return nil, http.StatusInternalServerError, "failed to claim message ID"
		}
		if !claimed {
			return &PostMessageResponse{ID: serverID, Duplicate: true}, http.StatusOK, ""
		}
	}

	if err := h.msgs.AddMessage(ctx, msg); err != nil {
		return nil, http.StatusInternalServerError, "failed to store message"
	}

	if err := h.pg.TouchThread(ctx, threadID, time.UnixMilli(msg.Timestamp).UTC()); err != nil {
		h.logger.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("thread activity bump failed")
	}

	metrics.MessagesPosted.WithLabelValues(thread.Kind).Inc()
	h.hub.BroadcastMessage(msg.ThreadID, *msg)

	return &PostMessageResponse{ID: msg.ID, Timestamp: msg.Timestamp}, http.StatusCreated, ""
}
