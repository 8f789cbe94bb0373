package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/darasahq/darasa/internal/api/middleware"
	"github.com/darasahq/darasa/internal/metrics"
	"github.com/darasahq/darasa/internal/models"
)

// OutboxItem is one queued message replayed from a client's offline outbox.
type OutboxItem struct {
	ClientMsgID string `json:"cid"`
	ThreadID    string `json:"thread_id"`
	Body        string `json:"body"`
	ParentID    string `json:"pid,omitempty"`
}

// OutboxItemResult reports the outcome of replaying one envelope.
type OutboxItemResult struct {
	ClientMsgID string `json:"cid"`
	State       string `json:"state"` // "stored", "duplicate" or "rejected"
	ID          string `json:"id,omitempty"`
	Timestamp   int64  `json:"ts,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SyncOutboxRequest represents the offline outbox replay request.
type SyncOutboxRequest struct {
	Items []OutboxItem `json:"items"`
}

// SyncOutboxResponse represents the offline outbox replay response.
type SyncOutboxResponse struct {
	Results []OutboxItemResult `json:"results"`
}

// SyncOutbox replays a batch of messages queued while the client was offline.
// Replay is idempotent: an envelope whose client message ID was already stored
// reports "duplicate" with the original server message ID. Items are processed
// in order so flushed messages keep their enqueue order.
func (h *Handler) SyncOutbox(w http.ResponseWriter, r *http.Request) {
	member := middleware.GetMemberFromContext(r.Context())
	if member == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req SyncOutboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		h.Error(w, http.StatusBadRequest, "items is required")
		return
	}
	if len(req.Items) > h.cfg.OutboxBatchMax {
		h.Error(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("too many items (max %d)", h.cfg.OutboxBatchMax))
		return
	}

	results := make([]OutboxItemResult, 0, len(req.Items))
	for _, item := range req.Items {
		results = append(results, h.replayItem(r, member, item))
	}

	h.JSON(w, http.StatusOK, SyncOutboxResponse{Results: results})
}

func (h *Handler) replayItem(r *http.Request, member *models.Member, item OutboxItem) OutboxItemResult {
	result := OutboxItemResult{ClientMsgID: item.ClientMsgID}

	if item.ClientMsgID == "" {
		result.State = "rejected"
		result.Error = "cid is required for replay"
		metrics.OutboxReplays.WithLabelValues("rejected").Inc()
		return result
	}

	threadID, err := uuid.Parse(item.ThreadID)
	if err != nil {
		result.State = "rejected"
		result.Error = "invalid thread ID format"
		metrics.OutboxReplays.WithLabelValues("rejected").Inc()
		return result
	}

	resp, _, errMsg := h.storeMessage(r.Context(), member, threadID, PostMessageRequest{
		Body:        item.Body,
		ClientMsgID: item.ClientMsgID,
		ParentID:    item.ParentID,
	})
	if errMsg != "" {
		result.State = "rejected"
		result.Error = errMsg
		metrics.OutboxReplays.WithLabelValues("rejected").Inc()
		return result
	}

	result.ID = resp.ID
	result.Timestamp = resp.Timestamp
	if resp.Duplicate {
		result.State = "duplicate"
		metrics.OutboxReplays.WithLabelValues("duplicate").Inc()
	} else {
		result.State = "stored"
		metrics.OutboxReplays.WithLabelValues("stored").Inc()
	}
	return result
}
