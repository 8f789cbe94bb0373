package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darasahq/darasa/internal/models"
)

func newTestHub(authorize Authorizer) (*Hub, context.CancelFunc) {
	h := NewHub(zerolog.Nop(), testThrottle, testExpiry, authorize)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func newTestMember(name string) *models.Member {
	return &models.Member{ID: uuid.New(), OrgID: uuid.New(), Name: name, Role: models.RoleTeacher}
}

// recv waits for one frame on the client's send buffer.
func recv(t *testing.T, c *Client) *Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		return &env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestHubBroadcastMessage(t *testing.T) {
	h, cancel := newTestHub(nil)
	defer cancel()

	member := newTestMember("Asha")
	client := h.NewClient(nil, member)
	h.Register(client)

	threadID := uuid.NewString()
	if !h.Subscribe(context.Background(), client, threadID) {
		t.Fatal("subscribe failed")
	}
	drain(client) // own presence event

	msg := models.Message{ID: "01TESTMSG", ThreadID: threadID, SenderID: member.ID.String(), Body: "habari", Timestamp: time.Now().UnixMilli()}
	h.BroadcastMessage(threadID, msg)

	env := recv(t, client)
	if env.Type != EventMessage {
		t.Fatalf("expected message event, got %s", env.Type)
	}
	var ev MessageEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if ev.ThreadID != threadID || ev.Message.Body != "habari" {
		t.Errorf("unexpected payload: %+v", ev)
	}
}

func TestHubSubscribeAuthorization(t *testing.T) {
	allowed := uuid.NewString()
	h, cancel := newTestHub(func(_ context.Context, threadID, _ string) bool {
		return threadID == allowed
	})
	defer cancel()

	client := h.NewClient(nil, newTestMember("Juma"))
	h.Register(client)

	if h.Subscribe(context.Background(), client, uuid.NewString()) {
		t.Error("unauthorized subscribe should be rejected")
	}
	if !h.Subscribe(context.Background(), client, allowed) {
		t.Error("authorized subscribe should succeed")
	}
}

func TestHubNoFanoutToUnsubscribed(t *testing.T) {
	h, cancel := newTestHub(nil)
	defer cancel()

	subscribed := h.NewClient(nil, newTestMember("Asha"))
	bystander := h.NewClient(nil, newTestMember("Juma"))
	h.Register(subscribed)
	h.Register(bystander)

	threadID := uuid.NewString()
	h.Subscribe(context.Background(), subscribed, threadID)
	drain(subscribed)

	h.BroadcastMessage(threadID, models.Message{ID: "01X", ThreadID: threadID, Body: "hi"})

	if env := recv(t, subscribed); env.Type != EventMessage {
		t.Errorf("expected message, got %s", env.Type)
	}
	select {
	case data := <-bystander.send:
		t.Errorf("bystander should receive nothing, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubTypingThrottle(t *testing.T) {
	h, cancel := newTestHub(nil)
	defer cancel()

	typist := newTestMember("Asha")
	watcher := h.NewClient(nil, newTestMember("Juma"))
	h.Register(watcher)

	threadID := uuid.NewString()
	h.Subscribe(context.Background(), watcher, threadID)
	drain(watcher)

	h.HandleTyping(threadID, typist)
	if env := recv(t, watcher); env.Type != EventTypingStarted {
		t.Fatalf("expected typing_started, got %s", env.Type)
	}

	// Immediate repeat is inside the throttle window.
	h.HandleTyping(threadID, typist)
	select {
	case data := <-watcher.send:
		t.Errorf("throttled signal should not fan out, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}

	// Posting a message stops the typist.
	h.BroadcastMessage(threadID, models.Message{ID: "01X", ThreadID: threadID, SenderID: typist.ID.String(), Body: "done"})
	if env := recv(t, watcher); env.Type != EventMessage {
		t.Fatalf("expected message, got %s", env.Type)
	}
	if env := recv(t, watcher); env.Type != EventTypingStopped {
		t.Fatalf("expected typing_stopped after message, got %s", env.Type)
	}
}

func TestHubApplyRemoteSkipsOwnOrigin(t *testing.T) {
	h, cancel := newTestHub(nil)
	defer cancel()

	client := h.NewClient(nil, newTestMember("Asha"))
	h.Register(client)

	threadID := uuid.NewString()
	h.Subscribe(context.Background(), client, threadID)
	drain(client)

	env, _ := NewEnvelope(EventMessage, MessageEvent{ThreadID: threadID, Message: models.Message{ID: "01R", Body: "remote"}})
	raw, _ := json.Marshal(env)

	// Same origin: must be skipped.
	own, _ := json.Marshal(remoteEvent{Origin: h.instanceID, ThreadID: threadID, Envelope: raw})
	h.ApplyRemote(own)
	select {
	case data := <-client.send:
		t.Errorf("own-origin event should be skipped, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}

	// Foreign origin: must be applied.
	foreign, _ := json.Marshal(remoteEvent{Origin: "other-instance", ThreadID: threadID, Envelope: raw})
	h.ApplyRemote(foreign)
	if got := recv(t, client); got.Type != EventMessage {
		t.Errorf("expected message from foreign origin, got %s", got.Type)
	}
}

func TestHubConcurrentSubscribeAndBroadcast(t *testing.T) {
	h, cancel := newTestHub(nil)
	defer cancel()

	threadID := uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := h.NewClient(nil, newTestMember("Churner"))
			h.Register(client)
			for j := 0; j < 50; j++ {
				h.Subscribe(context.Background(), client, threadID)
				h.Unsubscribe(client, threadID)
			}
			h.Unregister(client)
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	for {
		select {
		case <-done:
			return
		default:
			h.BroadcastMessage(threadID, models.Message{ID: "01X", ThreadID: threadID, Body: "tick"})
			time.Sleep(time.Millisecond)
		}
	}
}

func TestClientSendAfterUnregister(t *testing.T) {
	h, cancel := newTestHub(nil)
	defer cancel()

	client := h.NewClient(nil, newTestMember("Asha"))
	h.Register(client)
	threadID := uuid.NewString()
	h.Subscribe(context.Background(), client, threadID)

	h.Unregister(client)
	waitFor(t, func() bool {
		client.sendMu.Lock()
		defer client.sendMu.Unlock()
		return client.closed
	})

	// The ReadPump can still be handling a frame after the hub dropped the
	// client; late writes must be dropped, not panic.
	client.SendError("forbidden", "subscribe before typing")
	client.Send([]byte("late"))
	h.BroadcastMessage(threadID, models.Message{ID: "01Y", ThreadID: threadID, Body: "late"})
}

func TestHubPresenceCounting(t *testing.T) {
	h, cancel := newTestHub(nil)
	defer cancel()

	member := newTestMember("Asha")
	first := h.NewClient(nil, member)
	second := h.NewClient(nil, member)
	h.Register(first)
	h.Register(second)

	waitFor(t, func() bool { return h.Online(member.ID.String()) })

	h.Unregister(first)
	time.Sleep(100 * time.Millisecond)
	if !h.Online(member.ID.String()) {
		t.Error("member with one remaining connection should stay online")
	}

	h.Unregister(second)
	waitFor(t, func() bool { return !h.Online(member.ID.String()) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
