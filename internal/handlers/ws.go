package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/darasahq/darasa/internal/api/middleware"
	"github.com/darasahq/darasa/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth happens before the upgrade; browser clients are CORS-open
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades an authenticated request to a WebSocket connection and
// attaches it to the hub. The client receives a ready event and then
// subscribes to threads explicitly.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	member := middleware.GetMemberFromContext(r.Context())
	if member == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	client := h.hub.NewClient(conn, member)
	h.hub.Register(client)

	_ = client.SendEnvelope(realtime.EventReady, realtime.ReadyEvent{
		MemberID:  member.ID.String(),
		SessionID: client.SessionID(),
	})

	// The request context dies when this handler returns; the pumps outlive it
	go client.WritePump()
	go client.ReadPump(context.Background(), h.MarkReadFunc())
}
