package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/darasahq/darasa/internal/models"
)

func TestSyncOutboxReplay(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	sender := env.createMember(t, orgID, "Asha", models.RoleTeacher)
	thread := env.createThread(t, orgID, models.ThreadGroup, "Staff", &sender.ID, sender.ID)
	threadID := thread.ID.String()

	var resp SyncOutboxResponse
	code := env.do(t, sender, "POST", "/sync/outbox", SyncOutboxRequest{Items: []OutboxItem{
		{ClientMsgID: "cid-1", ThreadID: threadID, Body: "first"},
		{ClientMsgID: "cid-2", ThreadID: threadID, Body: "second"},
		{ClientMsgID: "cid-3", ThreadID: threadID, Body: "third"},
	}}, &resp)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}
	for i, result := range resp.Results {
		if result.State != "stored" {
			t.Errorf("item %d: expected stored, got %s (%s)", i, result.State, result.Error)
		}
	}

	// Replay preserves enqueue order.
	msgs, _ := env.msgs.GetThreadMessages(context.Background(), threadID, 10, 0)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 stored messages, got %d", len(msgs))
	}
	if msgs[2].Body != "first" || msgs[0].Body != "third" {
		t.Errorf("replay order lost: %q ... %q", msgs[2].Body, msgs[0].Body)
	}
}

func TestSyncOutboxIdempotent(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	sender := env.createMember(t, orgID, "Asha", models.RoleTeacher)
	thread := env.createThread(t, orgID, models.ThreadGroup, "Staff", &sender.ID, sender.ID)
	threadID := thread.ID.String()

	items := SyncOutboxRequest{Items: []OutboxItem{
		{ClientMsgID: "cid-1", ThreadID: threadID, Body: "hello"},
	}}

	var first SyncOutboxResponse
	env.do(t, sender, "POST", "/sync/outbox", items, &first)

	// A client that crashed mid-flush replays the same batch.
	var second SyncOutboxResponse
	if code := env.do(t, sender, "POST", "/sync/outbox", items, &second); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if second.Results[0].State != "duplicate" {
		t.Errorf("expected duplicate, got %s", second.Results[0].State)
	}
	if second.Results[0].ID != first.Results[0].ID {
		t.Error("duplicate should report the original server message ID")
	}

	n, _ := env.msgs.CountThreadMessagesAfter(context.Background(), threadID, 0)
	if n != 1 {
		t.Errorf("expected a single stored copy, got %d", n)
	}
}

func TestSyncOutboxPartialRejection(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	sender := env.createMember(t, orgID, "Asha", models.RoleTeacher)
	thread := env.createThread(t, orgID, models.ThreadGroup, "Staff", &sender.ID, sender.ID)
	forbidden := env.createThread(t, orgID, models.ThreadGroup, "Board", nil)
	threadID := thread.ID.String()

	var resp SyncOutboxResponse
	code := env.do(t, sender, "POST", "/sync/outbox", SyncOutboxRequest{Items: []OutboxItem{
		{ClientMsgID: "cid-1", ThreadID: threadID, Body: "ok"},
		{ClientMsgID: "", ThreadID: threadID, Body: "no cid"},
		{ClientMsgID: "cid-3", ThreadID: "not-a-uuid", Body: "bad thread"},
		{ClientMsgID: "cid-4", ThreadID: forbidden.ID.String(), Body: "not mine"},
		{ClientMsgID: "cid-5", ThreadID: threadID, Body: "also ok"},
	}}, &resp)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	want := []string{"stored", "rejected", "rejected", "rejected", "stored"}
	for i, state := range want {
		if resp.Results[i].State != state {
			t.Errorf("item %d: expected %s, got %s (%s)", i, state, resp.Results[i].State, resp.Results[i].Error)
		}
	}
}

func TestSyncOutboxBatchLimit(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()
	sender := env.createMember(t, orgID, "Asha", models.RoleTeacher)

	items := make([]OutboxItem, env.h.cfg.OutboxBatchMax+1)
	for i := range items {
		items[i] = OutboxItem{ClientMsgID: "cid", ThreadID: uuid.NewString(), Body: "x"}
	}
	if code := env.do(t, sender, "POST", "/sync/outbox", SyncOutboxRequest{Items: items}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for oversized batch, got %d", code)
	}

	if code := env.do(t, sender, "POST", "/sync/outbox", SyncOutboxRequest{}, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty batch, got %d", code)
	}
}
