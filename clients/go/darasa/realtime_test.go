package darasa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsServer is a fake realtime endpoint. Each websocket connection reads
// frames into the shared log; dropAfter > 0 closes the connection after
// that many frames to force a client redial.
type wsServer struct {
	t         *testing.T
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	dropAfter int

	mu     sync.Mutex
	conns  int
	frames []envelope
	synced int
}

func newWSServer(t *testing.T, dropAfter int) *wsServer {
	ws := &wsServer{t: t, dropAfter: dropAfter}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.handleWS)
	mux.HandleFunc("/sync/outbox", ws.handleSync)
	ws.srv = httptest.NewServer(mux)
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "test-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ws.mu.Lock()
	ws.conns++
	ws.mu.Unlock()

	read := 0
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		ws.mu.Lock()
		ws.frames = append(ws.frames, env)
		ws.mu.Unlock()

		read++
		if ws.dropAfter > 0 && read >= ws.dropAfter {
			return
		}

		// Echo a message event back for each subscribe, so tests can
		// observe dispatch.
		if env.Type == "subscribe" {
			var p struct {
				ThreadID string `json:"thread_id"`
			}
			json.Unmarshal(env.Data, &p)
			ev, _ := json.Marshal(MessageEvent{
				ThreadID: p.ThreadID,
				Message:  Message{ID: "01SRV", From: "server", Body: "welcome", Timestamp: time.Now().UnixMilli()},
			})
			conn.WriteJSON(envelope{Type: "message", Data: ev})
		}
	}
}

func (ws *wsServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []OutboxItem `json:"items"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	ws.mu.Lock()
	ws.synced += len(req.Items)
	ws.mu.Unlock()

	results := make([]OutboxResult, len(req.Items))
	for i, item := range req.Items {
		results[i] = OutboxResult{ClientMsgID: item.ClientMsgID, State: "stored", MessageID: "srv-" + item.ClientMsgID}
	}
	json.NewEncoder(w).Encode(SyncOutboxResponse{Results: results})
}

func (ws *wsServer) frameCount(frameType string) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := 0
	for _, f := range ws.frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRealtimeConnectAndDispatch(t *testing.T) {
	ws := newWSServer(t, 0)
	client := newTestClient(t, ws.srv.URL)

	rt := client.Realtime()
	states := make(chan ConnState, 16)
	messages := make(chan MessageEvent, 16)
	rt.OnState = func(s ConnState) { states <- s }
	rt.OnMessage = func(ev MessageEvent) { messages <- ev }

	rt.Subscribe("thread-1") // remembered while disconnected
	rt.Start(context.Background())
	defer rt.Close()

	waitFor(t, "connected state", func() bool { return rt.State() == StateConnected })
	waitFor(t, "subscribe frame", func() bool { return ws.frameCount("subscribe") == 1 })

	select {
	case ev := <-messages:
		if ev.ThreadID != "thread-1" || ev.Message.Body != "welcome" {
			t.Errorf("unexpected message event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message dispatched")
	}
}

func TestRealtimeReconnectTriggersFlush(t *testing.T) {
	ws := newWSServer(t, 0)
	client := newTestClient(t, ws.srv.URL)

	// Messages composed before any connection exists.
	outbox, _ := client.Outbox()
	outbox.Enqueue("thread-1", "while offline", "")
	outbox.Enqueue("thread-1", "still offline", "")

	rt := client.Realtime()
	flushed := make(chan int, 4)
	rt.OnFlush = func(delivered int, err error) {
		if err != nil {
			t.Errorf("flush failed: %v", err)
		}
		flushed <- delivered
	}

	rt.Start(context.Background())
	defer rt.Close()

	select {
	case delivered := <-flushed:
		if delivered != 2 {
			t.Errorf("expected 2 delivered on connect, got %d", delivered)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("flush never ran after connect")
	}

	pending, _ := outbox.Pending()
	if len(pending) != 0 {
		t.Errorf("outbox should be drained, %d left", len(pending))
	}
}

func TestRealtimeRedialAndResubscribe(t *testing.T) {
	// Server drops every connection after one frame.
	ws := newWSServer(t, 1)
	client := newTestClient(t, ws.srv.URL)

	rt := client.Realtime()
	rt.Subscribe("thread-1")
	rt.Start(context.Background())
	defer rt.Close()

	// The first connection reads the subscribe then dies; the client must
	// come back and subscribe again.
	waitFor(t, "second connection", func() bool {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return ws.conns >= 2
	})
	waitFor(t, "resubscribe", func() bool { return ws.frameCount("subscribe") >= 2 })
}

func TestRealtimeTypingThrottle(t *testing.T) {
	ws := newWSServer(t, 0)
	client := newTestClient(t, ws.srv.URL)

	rt := client.Realtime()
	rt.Start(context.Background())
	defer rt.Close()

	waitFor(t, "connected state", func() bool { return rt.State() == StateConnected })

	if !rt.Typing("thread-1") {
		t.Error("first typing signal should send")
	}
	if rt.Typing("thread-1") {
		t.Error("signal inside the throttle window should be dropped")
	}
	if !rt.Typing("thread-2") {
		t.Error("throttle is per thread")
	}

	waitFor(t, "typing frames", func() bool { return ws.frameCount("typing") == 2 })
}
