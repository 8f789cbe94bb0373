package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/darasahq/darasa/internal/api/middleware"
	"github.com/darasahq/darasa/internal/models"
)

// CreateThreadRequest represents the thread creation request.
type CreateThreadRequest struct {
	Kind         string   `json:"kind"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"` // Member UUIDs, creator implied
}

// ThreadResponse represents a thread in API responses.
type ThreadResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Subject      string `json:"subject"`
	LastActiveAt int64  `json:"last_active_at"` // Unix ms
	MessageCount int64  `json:"message_count"`
	Unread       int64  `json:"unread"`
}

// ThreadListResponse represents the thread listing response.
type ThreadListResponse struct {
	Threads []ThreadResponse `json:"threads"`
	Total   int              `json:"total"`
}

// CreateThread handles thread creation (authenticated).
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	member := middleware.GetMemberFromContext(r.Context())
	if member == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind == "" {
		req.Kind = models.ThreadGroup
	}
	if !models.ValidThreadKind(req.Kind) || req.Kind == models.ThreadAnnouncement {
		// Announcement threads are created through POST /announcements
		h.Error(w, http.StatusBadRequest, "kind must be direct or group")
		return
	}

	req.Subject = sanitizeName(req.Subject)

	if req.Kind == models.ThreadDirect && len(req.Participants) != 1 {
		h.Error(w, http.StatusBadRequest, "direct threads require exactly one other participant")
		return
	}

	// Resolve participants; all must belong to the caller's organization
	memberIDs := []uuid.UUID{member.ID}
	for _, p := range req.Participants {
		id, err := uuid.Parse(p)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid participant ID format")
			return
		}
		other, err := h.pg.GetMemberByID(r.Context(), id)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if other == nil || other.OrgID != member.OrgID {
			h.Error(w, http.StatusUnprocessableEntity, "participant not found in organization")
			return
		}
		if id != member.ID {
			memberIDs = append(memberIDs, id)
		}
	}

	thread, err := h.pg.CreateThread(r.Context(), member.OrgID, req.Kind, req.Subject, &member.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	if err := h.pg.AddParticipants(r.Context(), thread.ID, memberIDs); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to add participants")
		return
	}

	h.JSON(w, http.StatusCreated, ThreadResponse{
		ID:           thread.ID.String(),
		Kind:         thread.Kind,
		Subject:      thread.Subject,
		LastActiveAt: thread.LastActiveAt.UnixMilli(),
		MessageCount: thread.MessageCount,
	})
}

// ListThreads lists the caller's threads with unread counts.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	member := middleware.GetMemberFromContext(r.Context())
	if member == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o > 0 {
		offset = o
	}

	threads, total, err := h.pg.ListThreadsForMember(r.Context(), member.OrgID, member.ID, limit, offset)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list threads")
		return
	}

	resp := ThreadListResponse{Threads: make([]ThreadResponse, 0, len(threads)), Total: total}
	for _, t := range threads {
		unread, err := h.unreadCount(r, t.ID, member.ID)
		if err != nil {
			unread = 0 // Unread counts are best-effort
		}
		resp.Threads = append(resp.Threads, ThreadResponse{
			ID:           t.ID.String(),
			Kind:         t.Kind,
			Subject:      t.Subject,
			LastActiveAt: t.LastActiveAt.UnixMilli(),
			MessageCount: t.MessageCount,
			Unread:       unread,
		})
	}

	h.JSON(w, http.StatusOK, resp)
}

func (h *Handler) unreadCount(r *http.Request, threadID, memberID uuid.UUID) (int64, error) {
	participant, err := h.pg.GetParticipant(r.Context(), threadID, memberID)
	if err != nil || participant == nil {
		return 0, err
	}
	var watermark int64
	if participant.LastReadAt != nil {
		watermark = participant.LastReadAt.UnixMilli()
	}
	return h.msgs.CountThreadMessagesAfter(r.Context(), threadID.String(), watermark)
}

// MessageResponse represents a message in API responses.
type MessageResponse struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	Body        string `json:"body"`
	ClientMsgID string `json:"cid,omitempty"`
	ParentID    string `json:"pid,omitempty"`
	Timestamp   int64  `json:"ts"`
}

// ThreadMessagesResponse represents the get thread messages response.
type ThreadMessagesResponse struct {
	Thread   ThreadResponse    `json:"thread"`
	Messages []MessageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// GetThreadMessages handles fetching messages from a thread.
func (h *Handler) GetThreadMessages(w http.ResponseWriter, r *http.Request) {
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

	participant, err := h.pg.GetParticipant(r.Context(), threadID, member.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if participant == nil {
		h.Error(w, http.StatusForbidden, "not a participant of this thread")
		return
	}

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > 200 {
		limit = 200
	}

	var before int64
	if b, err := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64); err == nil {
		before = b
	}

	// Fetch messages (+1 for has_more check)
	messages, err := h.msgs.GetThreadMessages(r.Context(), threadID.String(), limit+1, before)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	msgResponses := make([]MessageResponse, len(messages))
	for i, msg := range messages {
		msgResponses[i] = MessageResponse{
			ID:          msg.ID,
			From:        msg.SenderID,
			Body:        msg.Body,
			ClientMsgID: msg.ClientMsgID,
			ParentID:    msg.ParentID,
			Timestamp:   msg.Timestamp,
		}
	}

	h.JSON(w, http.StatusOK, ThreadMessagesResponse{
		Thread: ThreadResponse{
			ID:           thread.ID.String(),
			Kind:         thread.Kind,
			Subject:      thread.Subject,
			LastActiveAt: thread.LastActiveAt.UnixMilli(),
			MessageCount: thread.MessageCount,
		},
		Messages: msgResponses,
		HasMore:  hasMore,
	})
}
