package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/authz/authztest"
	"github.com/mbd888/slicepay/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func msg(userID string, kind notify.Kind) notify.Message {
	return notify.Message{ID: "evt_1", UserID: userID, Kind: kind, At: time.Now()}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_OnlyOwner(t *testing.T) {
	client := &Client{userID: "alice"}

	if !shouldSend(client, msg("alice", notify.KindEscrowReleased)) {
		t.Error("owner should receive their notification")
	}
	if shouldSend(client, msg("bob", notify.KindEscrowReleased)) {
		t.Error("client must not receive another user's notification")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	client := &Client{userID: "alice", sub: Subscription{
		Kinds: []notify.Kind{notify.KindDisputeOpened, notify.KindDisputeResolved},
	}}

	if !shouldSend(client, msg("alice", notify.KindDisputeOpened)) {
		t.Error("should receive dispute.opened")
	}
	if shouldSend(client, msg("alice", notify.KindRewardCredited)) {
		t.Error("should NOT receive reward.credited")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)
	client := &Client{hub: h, userID: "alice", send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_NotifyRoutesByUser(t *testing.T) {
	h := startHub(t)
	alice := &Client{hub: h, userID: "alice", send: make(chan []byte, 256)}
	bob := &Client{hub: h, userID: "bob", send: make(chan []byte, 256)}
	h.register <- alice
	h.register <- bob

	if err := h.Notify(context.Background(), msg("alice", notify.KindEscrowReleased)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case data := <-alice.send:
		var got notify.Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("bad message: %v", err)
		}
		if got.Kind != notify.KindEscrowReleased || got.UserID != "alice" {
			t.Errorf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("alice did not receive her notification")
	}

	select {
	case <-bob.send:
		t.Error("bob received alice's notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_NotifyBacklog(t *testing.T) {
	h := testHub() // not running, nothing drains the channel
	for range cap(h.broadcast) {
		if err := h.Notify(context.Background(), msg("alice", notify.KindEscrowCreated)); err != nil {
			t.Fatalf("unexpected error before backlog: %v", err)
		}
	}
	if err := h.Notify(context.Background(), msg("alice", notify.KindEscrowCreated)); err != ErrBacklog {
		t.Errorf("expected ErrBacklog, got %v", err)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// WebSocket tests
// ---------------------------------------------------------------------------

func TestHandleWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := startHub(t)

	r := gin.New()
	r.GET("/v1/ws", authztest.Impersonate(), h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	header := http.Header{}
	header.Set(authz.HeaderUserID, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = resp.Body.Close()

	if err := conn.WriteJSON(Subscription{Kinds: []notify.Kind{notify.KindRewardCredited}}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	_ = h.Notify(context.Background(), msg("alice", notify.KindEscrowCreated))
	_ = h.Notify(context.Background(), msg("bob", notify.KindRewardCredited))
	_ = h.Notify(context.Background(), msg("alice", notify.KindRewardCredited))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notify.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.UserID != "alice" || got.Kind != notify.KindRewardCredited {
		t.Errorf("unexpected first message %+v", got)
	}
}

func TestHandleWebSocket_RequiresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()

	r := gin.New()
	r.GET("/v1/ws", h.HandleWebSocket)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/ws", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
