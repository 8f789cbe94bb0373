package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/darasahq/darasa/internal/api/middleware"
	"github.com/darasahq/darasa/internal/config"
	"github.com/darasahq/darasa/internal/models"
	"github.com/darasahq/darasa/internal/realtime"
	"github.com/darasahq/darasa/internal/store"
)

// fakeMessageStore is an in-memory MessageStore standing in for Redis.
type fakeMessageStore struct {
	mu       sync.Mutex
	messages map[string][]models.Message // threadID -> ascending by timestamp
	claims   map[string]string           // threadID/cid -> server message ID
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		messages: make(map[string][]models.Message),
		claims:   make(map[string]string),
	}
}

func (f *fakeMessageStore) AddMessage(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ThreadID] = append(f.messages[msg.ThreadID], *msg)
	return nil
}

func (f *fakeMessageStore) GetThreadMessages(_ context.Context, threadID string, limit int, before int64) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[threadID]
	var out []models.Message
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if before > 0 && all[i].Timestamp >= before {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeMessageStore) GetMessage(_ context.Context, threadID, msgID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.messages[threadID] {
		if msg.ID == msgID {
			m := msg
			return &m, nil
		}
	}
	return nil, nil
}

func (f *fakeMessageStore) GetMessagesByID(_ context.Context, threadID string, msgIDs []string) (map[string]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(msgIDs))
	for _, id := range msgIDs {
		wanted[id] = true
	}
	found := make(map[string]models.Message, len(msgIDs))
	for _, msg := range f.messages[threadID] {
		if wanted[msg.ID] {
			found[msg.ID] = msg
		}
	}
	return found, nil
}

func (f *fakeMessageStore) CountThreadMessagesAfter(_ context.Context, threadID string, after int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, msg := range f.messages[threadID] {
		if msg.Timestamp > after {
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageStore) ClaimClientMsgID(_ context.Context, threadID, clientMsgID, serverMsgID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := threadID + "/" + clientMsgID
	if existing, ok := f.claims[key]; ok {
		return existing, false, nil
	}
	f.claims[key] = serverMsgID
	return serverMsgID, true, nil
}

// testEnv bundles a handler wired to a temp SQLite store and fake message store.
type testEnv struct {
	h    *Handler
	pg   *store.SQLiteStore
	msgs *fakeMessageStore
	hub  *realtime.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pg, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(pg.Close)

	msgs := newFakeMessageStore()
	hub := realtime.NewHub(zerolog.Nop(), 3*time.Second, 6*time.Second, nil)
	cfg := &config.Config{OutboxBatchMax: 50}

	return &testEnv{
		h:    &Handler{pg: pg, msgs: msgs, hub: hub, cfg: cfg},
		pg:   pg,
		msgs: msgs,
		hub:  hub,
	}
}

func (env *testEnv) router(member *models.Member) http.Handler {
	r := chi.NewRouter()
	if member != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := context.WithValue(req.Context(), middleware.MemberContextKey, member)
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
	}
	r.Post("/register", env.h.Register)
	r.Get("/who/{id}", env.h.Who)
	r.Post("/threads", env.h.CreateThread)
	r.Get("/threads", env.h.ListThreads)
	r.Get("/threads/{id}", env.h.GetThreadMessages)
	r.Post("/threads/{id}/messages", env.h.PostMessage)
	r.Post("/threads/{id}/read", env.h.MarkRead)
	r.Post("/sync/outbox", env.h.SyncOutbox)
	r.Post("/announcements", env.h.CreateAnnouncement)
	r.Get("/announcements/{id}/stats", env.h.AnnouncementStats)
	return r
}

// do performs a request as the given member and decodes the JSON response.
func (env *testEnv) do(t *testing.T, member *models.Member, method, path string, payload, out interface{}) int {
	t.Helper()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router(member).ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code
}

func (env *testEnv) createMember(t *testing.T, orgID uuid.UUID, name, role string) *models.Member {
	t.Helper()
	member, err := env.pg.CreateMember(context.Background(), orgID, name, role, "digest-"+name)
	if err != nil {
		t.Fatalf("failed to create member: %v", err)
	}
	return member
}

func (env *testEnv) createThread(t *testing.T, orgID uuid.UUID, kind, subject string, createdBy *uuid.UUID, participants ...uuid.UUID) *models.Thread {
	t.Helper()
	thread, err := env.pg.CreateThread(context.Background(), orgID, kind, subject, createdBy)
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}
	if len(participants) > 0 {
		if err := env.pg.AddParticipants(context.Background(), thread.ID, participants); err != nil {
			t.Fatalf("failed to add participants: %v", err)
		}
	}
	return thread
}

func (env *testEnv) seedMessage(t *testing.T, threadID string, senderID uuid.UUID, body string, ts int64) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		SenderID:  senderID.String(),
		Body:      body,
		Timestamp: ts,
	}
	if err := env.msgs.AddMessage(context.Background(), msg); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
	return msg
}
