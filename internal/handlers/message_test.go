package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/darasahq/darasa/internal/models"
)

func TestPostMessage(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	sender := env.createMember(t, orgID, "Asha", models.RoleTeacher)
	peer := env.createMember(t, orgID, "Juma", models.RoleParent)
	thread := env.createThread(t, orgID, models.ThreadDirect, "", &sender.ID, sender.ID, peer.ID)

	var resp PostMessageResponse
	code := env.do(t, sender, "POST", "/threads/"+thread.ID.String()+"/messages",
		PostMessageRequest{Body: "Karibu shuleni"}, &resp)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if resp.ID == "" || resp.Timestamp == 0 {
		t.Errorf("incomplete response: %+v", resp)
	}

	stored, _ := env.msgs.GetMessage(context.Background(), thread.ID.String(), resp.ID)
	if stored == nil {
		t.Fatal("message not stored")
	}
	if stored.Body != "Karibu shuleni" || stored.SenderID != sender.ID.String() {
		t.Errorf("unexpected stored message: %+v", stored)
	}
}

func TestPostMessageAccessControl(t *testing.T) {
	env := newTestEnv(t)
	orgA, orgB := uuid.New(), uuid.New()

	sender := env.createMember(t, orgA, "Asha", models.RoleTeacher)
	outsider := env.createMember(t, orgA, "Neema", models.RoleStudent)
	foreigner := env.createMember(t, orgB, "Baraka", models.RoleTeacher)
	thread := env.createThread(t, orgA, models.ThreadGroup, "Staff", &sender.ID, sender.ID)

	path := "/threads/" + thread.ID.String() + "/messages"
	req := PostMessageRequest{Body: "hi"}

	// Same org, not a participant: forbidden.
	if code := env.do(t, outsider, "POST", path, req, nil); code != http.StatusForbidden {
		t.Errorf("expected 403 for non-participant, got %d", code)
	}
	// Different org: the thread does not exist for them.
	if code := env.do(t, foreigner, "POST", path, req, nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for cross-org post, got %d", code)
	}
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	sender := env.createMember(t, orgID, "Asha", models.RoleTeacher)
	thread := env.createThread(t, orgID, models.ThreadGroup, "Staff", &sender.ID, sender.ID)
	path := "/threads/" + thread.ID.String() + "/messages"

	if code := env.do(t, sender, "POST", path, PostMessageRequest{}, nil); code != http.StatusBadRequest {
		t.Errorf("empty body: expected 400, got %d", code)
	}

	long := strings.Repeat("a", maxMessageBody+1)
	if code := env.do(t, sender, "POST", path, PostMessageRequest{Body: long}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("oversized body: expected 422, got %d", code)
	}

	if code := env.do(t, sender, "POST", path, PostMessageRequest{Body: "re", ParentID: "01MISSING"}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("missing parent: expected 422, got %d", code)
	}
}

func TestPostMessageIdempotent(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	sender := env.createMember(t, orgID, "Asha", models.RoleTeacher)
	thread := env.createThread(t, orgID, models.ThreadGroup, "Staff", &sender.ID, sender.ID)
	path := "/threads/" + thread.ID.String() + "/messages"

	req := PostMessageRequest{Body: "once only", ClientMsgID: "cid-1"}

	var first PostMessageResponse
	if code := env.do(t, sender, "POST", path, req, &first); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	var second PostMessageResponse
	if code := env.do(t, sender, "POST", path, req, &second); code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", code)
	}
	if !second.Duplicate {
		t.Error("replay should be flagged duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("replay should return the original ID: %s vs %s", second.ID, first.ID)
	}

	// Only one copy was stored.
	n, _ := env.msgs.CountThreadMessagesAfter(context.Background(), thread.ID.String(), 0)
	if n != 1 {
		t.Errorf("expected 1 stored message, got %d", n)
	}
}

func TestAnnouncementThreadPostRestriction(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	author := env.createMember(t, orgID, "Mwalimu", models.RoleTeacher)
	parent := env.createMember(t, orgID, "Juma", models.RoleParent)
	thread := env.createThread(t, orgID, models.ThreadAnnouncement, "Closing day", &author.ID, author.ID, parent.ID)
	path := "/threads/" + thread.ID.String() + "/messages"

	if code := env.do(t, parent, "POST", path, PostMessageRequest{Body: "ok!"}, nil); code != http.StatusForbidden {
		t.Errorf("participant reply to announcement: expected 403, got %d", code)
	}
	if code := env.do(t, author, "POST", path, PostMessageRequest{Body: "update"}, nil); code != http.StatusCreated {
		t.Errorf("author post to announcement: expected 201, got %d", code)
	}
}

func TestGetThreadMessagesPagination(t *testing.T) {
	env := newTestEnv(t)
	orgID := uuid.New()

	member := env.createMember(t, orgID, "Asha", models.RoleTeacher)
	thread := env.createThread(t, orgID, models.ThreadGroup, "Staff", &member.ID, member.ID)

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		env.seedMessage(t, thread.ID.String(), member.ID, "msg", base+int64(i))
	}

	var page struct {
		Messages []models.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	code := env.do(t, member, "GET", "/threads/"+thread.ID.String()+"?limit=3", nil, &page)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(page.Messages) != 3 || !page.HasMore {
		t.Fatalf("expected 3 messages and has_more, got %d, %v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].Timestamp != base+4 {
		t.Errorf("expected newest first, got ts %d", page.Messages[0].Timestamp)
	}
}
