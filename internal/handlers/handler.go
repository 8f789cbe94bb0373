package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darasahq/darasa/internal/config"
	"github.com/darasahq/darasa/internal/metrics"
	"github.com/darasahq/darasa/internal/models"
	"github.com/darasahq/darasa/internal/realtime"
	"github.com/darasahq/darasa/internal/store"
)

// errNotParticipant marks operations attempted by non-participants.
var errNotParticipant = errors.New("not a participant of this thread")

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	pg     store.DataStore
	msgs   store.MessageStore
	redis  *store.RedisStore
	hub    *realtime.Hub
	cfg    *config.Config
	logger zerolog.Logger
}

// NewHandler creates a new Handler with the given stores.
func NewHandler(logger zerolog.Logger, pg store.DataStore, redis *store.RedisStore, hub *realtime.Hub, cfg *config.Config) *Handler {
	return &Handler{pg: pg, msgs: redis, redis: redis, hub: hub, cfg: cfg, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	// Limit to 100 characters
	if len(name) > 100 {
		name = name[:100]
	}

	return name
}

// markRead records receipts for a member, advances the read watermark, and
// fans a receipt event out to thread subscribers. Marking the same messages
// twice is a no-op and the watermark never moves backward.
func (h *Handler) markRead(ctx context.Context, member *models.Member, threadID uuid.UUID, messageIDs []string) (int, error) {
	participant, err := h.pg.GetParticipant(ctx, threadID, member.ID)
	if err != nil {
		return 0, err
	}
	if participant == nil {
		return 0, errNotParticipant
	}

	// Resolve IDs against the thread first. The receipts table keys on
	// (message_id, member_id), so a receipt stored under the wrong thread
	// would permanently shadow the genuine one.
	found, err := h.msgs.GetMessagesByID(ctx, threadID.String(), messageIDs)
	if err != nil {
		return 0, err
	}
	verified := make([]string, 0, len(messageIDs))
	var newest int64
	for _, id := range messageIDs {
		msg, ok := found[id]
		if !ok {
			continue
		}
		verified = append(verified, id)
		if msg.Timestamp > newest {
			newest = msg.Timestamp
		}
	}
	if len(verified) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	inserted, err := h.pg.RecordReceipts(ctx, threadID, member.ID, verified, now)
	if err != nil {
		return 0, err
	}

	// Advance watermark to the newest marked message's timestamp.
	if _, err := h.pg.AdvanceReadWatermark(ctx, threadID, member.ID, time.UnixMilli(newest).UTC()); err != nil {
		return inserted, err
	}

	if inserted > 0 {
		metrics.ReceiptsRecorded.Add(float64(inserted))
		h.hub.BroadcastReceipt(realtime.ReceiptEvent{
			ThreadID:   threadID.String(),
			MemberID:   member.ID.String(),
			MessageIDs: verified,
			ReadAt:     now.UnixMilli(),
		})
	}

	return inserted, nil
}

// MarkReadFunc adapts markRead for WebSocket mark_read events.
func (h *Handler) MarkReadFunc() realtime.MarkReadFunc {
	return func(ctx context.Context, member *models.Member, threadID string, messageIDs []string) {
		id, err := uuid.Parse(threadID)
		if err != nil {
			return
		}
		_, _ = h.markRead(ctx, member, id, messageIDs)
	}
}

