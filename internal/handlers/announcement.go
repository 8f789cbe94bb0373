package handlers

import (
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

// CreateAnnouncementRequest represents the announcement creation request.
type CreateAnnouncementRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// CreateAnnouncementResponse represents the announcement creation response.
type CreateAnnouncementResponse struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	Delivered int64  `json:"delivered"`
}

// CreateAnnouncement posts an organization-wide announcement. The participant
// set is materialized at post time and becomes the delivered denominator for
// read analytics.
func (h *Handler) CreateAnnouncement(w http.ResponseWriter, r *http.Request) {
	member := middleware.GetMemberFromContext(r.Context())
	if member == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if member.Role != models.RoleTeacher && member.Role != models.RolePrincipal {
		h.Error(w, http.StatusForbidden, "only teachers and principals can post announcements")
		return
	}

	var req CreateAnnouncementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Subject = sanitizeName(req.Subject)
	if req.Subject == "" {
		h.Error(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.Body == "" {
		h.Error(w, http.StatusBadRequest, "body is required")
		return
	}
	if len(req.Body) > maxMessageBody {
		h.Error(w, http.StatusUnprocessableEntity, "body too long (max 4096 bytes)")
		return
	}

	recipients, err := h.pg.ListOrgMembers(r.Context(), member.OrgID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list recipients")
		return
	}

	thread, err := h.pg.CreateThread(r.Context(), member.OrgID, models.ThreadAnnouncement, req.Subject, &member.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	memberIDs := make([]uuid.UUID, 0, len(recipients))
	for _, recipient := range recipients {
		memberIDs = append(memberIDs, recipient.ID)
	}
	if err := h.pg.AddParticipants(r.Context(), thread.ID, memberIDs); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to add participants")
		return
	}

	msg := &models.Message{
		ID:        ulid.Make().String(),
		ThreadID:  thread.ID.String(),
		SenderID:  member.ID.String(),
		Body:      req.Body,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.msgs.AddMessage(r.Context(), msg); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store announcement")
		return
	}
	if err := h.pg.TouchThread(r.Context(), thread.ID, time.UnixMilli(msg.Timestamp).UTC()); err != nil {
		h.logger.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("thread activity bump failed")
	}

	metrics.MessagesPosted.WithLabelValues(models.ThreadAnnouncement).Inc()
	h.hub.BroadcastMessage(msg.ThreadID, *msg)

	h.JSON(w, http.StatusCreated, CreateAnnouncementResponse{
		ThreadID:  thread.ID.String(),
		MessageID: msg.ID,
		Delivered: int64(len(memberIDs)),
	})
}

// ReceiptDetailResponse is one participant's read status in API responses.
type ReceiptDetailResponse struct {
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name"`
	ReadAt     *int64 `json:"read_at,omitempty"` // Unix ms, nil when unread
}

// AnnouncementStatsResponse represents the announcement analytics response.
type AnnouncementStatsResponse struct {
	ThreadID  string                  `json:"thread_id"`
	MessageID string                  `json:"message_id"`
	Delivered int64                   `json:"delivered"`
	Read      int64                   `json:"read"`
	ReadRate  float64                 `json:"read_rate"`
	Details   []ReceiptDetailResponse `json:"details"`
}

// AnnouncementStats returns read analytics for an announcement thread.
// Only the announcement author may view them.
func (h *Handler) AnnouncementStats(w http.ResponseWriter, r *http.Request) {
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
	if thread == nil || thread.Kind != models.ThreadAnnouncement {
		h.Error(w, http.StatusNotFound, "announcement not found")
		return
	}
	if thread.CreatedBy == nil || *thread.CreatedBy != member.ID {
		h.Error(w, http.StatusForbidden, "only the announcement author can view stats")
		return
	}

	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		// Default to the announcement message itself (the thread's newest)
		messages, err := h.msgs.GetThreadMessages(r.Context(), threadID.String(), 1, 0)
		if err != nil || len(messages) == 0 {
			h.Error(w, http.StatusNotFound, "announcement message not found")
			return
		}
		messageID = messages[0].ID
	}

	stats, err := h.pg.GetAnnouncementStats(r.Context(), threadID, messageID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	details, err := h.pg.ListReceiptDetails(r.Context(), threadID, messageID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list receipts")
		return
	}

	detailResponses := make([]ReceiptDetailResponse, 0, len(details))
	for _, d := range details {
		dr := ReceiptDetailResponse{
			MemberID:   d.MemberID.String(),
			MemberName: d.MemberName,
		}
		if d.ReadAt != nil {
			ms := d.ReadAt.UnixMilli()
			dr.ReadAt = &ms
		}
		detailResponses = append(detailResponses, dr)
	}

	h.JSON(w, http.StatusOK, AnnouncementStatsResponse{
		ThreadID:  threadID.String(),
		MessageID: messageID,
		Delivered: stats.Delivered,
		Read:      stats.Read,
		ReadRate:  stats.ReadRate,
		Details:   detailResponses,
	})
}
