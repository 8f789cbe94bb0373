package darasa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := NewClient(baseURL)
	c.ConfigDir = t.TempDir()
	c.Token = "test-token"
	t.Cleanup(func() {
		if c.outbox != nil {
			c.outbox.Close()
		}
	})
	return c
}

func TestOutboxEnqueueOrder(t *testing.T) {
	outbox, err := NewOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("failed to open outbox: %v", err)
	}
	defer outbox.Close()

	first, err := outbox.Enqueue("thread-1", "first", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, _ := outbox.Enqueue("thread-1", "second", "")
	third, _ := outbox.Enqueue("thread-2", "third", "")

	if first.State != OutboxQueued || first.ClientMsgID == "" {
		t.Errorf("unexpected entry: %+v", first)
	}
	if first.ClientMsgID == second.ClientMsgID {
		t.Error("client message IDs must be unique")
	}

	pending, err := outbox.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	want := []string{first.ClientMsgID, second.ClientMsgID, third.ClientMsgID}
	for i, cid := range want {
		if pending[i].ClientMsgID != cid {
			t.Errorf("pending[%d]: expected %s, got %s", i, cid, pending[i].ClientMsgID)
		}
	}
}

func TestOutboxRequeue(t *testing.T) {
	outbox, err := NewOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("failed to open outbox: %v", err)
	}
	defer outbox.Close()

	entry, _ := outbox.Enqueue("thread-1", "text", "")
	if err := outbox.markFailed(entry.ClientMsgID, "boom"); err != nil {
		t.Fatalf("markFailed failed: %v", err)
	}

	pending, _ := outbox.Pending()
	if len(pending) != 0 {
		t.Fatal("failed entries should not be pending")
	}

	if err := outbox.Requeue(entry.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	pending, _ = outbox.Pending()
	if len(pending) != 1 || pending[0].State != OutboxQueued {
		t.Errorf("requeued entry should be pending: %+v", pending)
	}

	if err := outbox.Requeue(entry.ID); err == nil {
		t.Error("requeueing a non-failed entry should error")
	}
}

// syncServer fakes the replay endpoint, recording batches and answering
// per-item verdicts.
func syncServer(t *testing.T, verdict func(item OutboxItem) OutboxResult) (*httptest.Server, *[][]OutboxItem) {
	t.Helper()
	var batches [][]OutboxItem

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/outbox" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		var req struct {
			Items []OutboxItem `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
			return
		}
		batches = append(batches, req.Items)

		results := make([]OutboxResult, len(req.Items))
		for i, item := range req.Items {
			results[i] = verdict(item)
		}
		json.NewEncoder(w).Encode(SyncOutboxResponse{Results: results})
	}))
	t.Cleanup(srv.Close)
	return srv, &batches
}

func TestFlushOutbox(t *testing.T) {
	stored := 0
	srv, batches := syncServer(t, func(item OutboxItem) OutboxResult {
		stored++
		return OutboxResult{ClientMsgID: item.ClientMsgID, State: "stored", MessageID: "srv-" + item.ClientMsgID}
	})
	client := newTestClient(t, srv.URL)

	outbox, _ := client.Outbox()
	outbox.Enqueue("thread-1", "one", "")
	outbox.Enqueue("thread-1", "two", "")

	delivered, err := client.FlushOutbox(context.Background())
	if err != nil {
		t.Fatalf("FlushOutbox failed: %v", err)
	}
	if delivered != 2 || stored != 2 {
		t.Errorf("expected 2 delivered, got %d (server stored %d)", delivered, stored)
	}
	if len(*batches) != 1 {
		t.Errorf("expected one batch, got %d", len(*batches))
	}

	pending, _ := outbox.Pending()
	if len(pending) != 0 {
		t.Errorf("flush should drain the queue, %d left", len(pending))
	}
	entries, _ := outbox.List(10)
	for _, e := range entries {
		if e.State != OutboxSent || e.ServerMsgID == "" {
			t.Errorf("entry should be sent with a server ID: %+v", e)
		}
	}
}

func TestFlushOutboxRejection(t *testing.T) {
	srv, _ := syncServer(t, func(item OutboxItem) OutboxResult {
		if item.Body == "bad" {
			return OutboxResult{ClientMsgID: item.ClientMsgID, State: "rejected", Error: "body too long"}
		}
		return OutboxResult{ClientMsgID: item.ClientMsgID, State: "stored", MessageID: "srv-1"}
	})
	client := newTestClient(t, srv.URL)

	outbox, _ := client.Outbox()
	outbox.Enqueue("thread-1", "good", "")
	bad, _ := outbox.Enqueue("thread-1", "bad", "")

	delivered, err := client.FlushOutbox(context.Background())
	if err != nil {
		t.Fatalf("FlushOutbox failed: %v", err)
	}
	if delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", delivered)
	}

	entry, _ := outbox.Get(bad.ID)
	if entry.State != OutboxFailed || entry.LastError == "" {
		t.Errorf("rejected entry should be failed with a reason: %+v", entry)
	}
	// Rejections are terminal; nothing left to flush.
	pending, _ := outbox.Pending()
	if len(pending) != 0 {
		t.Errorf("expected empty queue, got %d", len(pending))
	}
}

func TestFlushOutboxDuplicate(t *testing.T) {
	srv, _ := syncServer(t, func(item OutboxItem) OutboxResult {
		return OutboxResult{ClientMsgID: item.ClientMsgID, State: "duplicate", MessageID: "srv-original"}
	})
	client := newTestClient(t, srv.URL)

	outbox, _ := client.Outbox()
	entry, _ := outbox.Enqueue("thread-1", "already sent", "")

	delivered, err := client.FlushOutbox(context.Background())
	if err != nil {
		t.Fatalf("FlushOutbox failed: %v", err)
	}
	if delivered != 1 {
		t.Errorf("duplicates count as delivered, got %d", delivered)
	}

	got, _ := outbox.Get(entry.ID)
	if got.State != OutboxSent || got.ServerMsgID != "srv-original" {
		t.Errorf("duplicate should resolve to the original server ID: %+v", got)
	}
}

func TestSendWhileOffline(t *testing.T) {
	// Nothing listens here; the message must stay queued.
	client := newTestClient(t, "http://127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	entry, err := client.Send(ctx, "thread-1", "composed on the bus", "")
	if err != nil {
		t.Fatalf("Send should queue, not fail: %v", err)
	}
	if entry.State != OutboxQueued {
		t.Errorf("expected queued, got %s", entry.State)
	}

	outbox, _ := client.Outbox()
	pending, _ := outbox.Pending()
	if len(pending) != 1 {
		t.Errorf("expected 1 pending entry, got %d", len(pending))
	}
}

func TestFlushOutboxBatching(t *testing.T) {
	srv, batches := syncServer(t, func(item OutboxItem) OutboxResult {
		return OutboxResult{ClientMsgID: item.ClientMsgID, State: "stored", MessageID: "srv-" + item.ClientMsgID}
	})
	client := newTestClient(t, srv.URL)

	outbox, _ := client.Outbox()
	for i := 0; i < outboxBatchMax+5; i++ {
		outbox.Enqueue("thread-1", "msg", "")
	}

	delivered, err := client.FlushOutbox(context.Background())
	if err != nil {
		t.Fatalf("FlushOutbox failed: %v", err)
	}
	if delivered != outboxBatchMax+5 {
		t.Errorf("expected %d delivered, got %d", outboxBatchMax+5, delivered)
	}
	if len(*batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(*batches))
	}
	if len((*batches)[0]) != outboxBatchMax || len((*batches)[1]) != 5 {
		t.Errorf("unexpected batch sizes: %d, %d", len((*batches)[0]), len((*batches)[1]))
	}
}
