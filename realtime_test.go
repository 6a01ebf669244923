package tradepost_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tradepost "github.com/tradepost/tradepost-go"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireCommand struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	RequestID string                 `json:"requestId"`
}

// startWSServer runs an in-process websocket endpoint. The serve callback
// gets the accepted connection and the upgrade request.
func startWSServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		serve(r.Context(), conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func connectRealtime(t *testing.T, endpoint string) *tradepost.RealtimeClient {
	t.Helper()
	rc := tradepost.NewRealtimeClient(tradepost.RealtimeConfig{
		Endpoint: endpoint,
		Token:    "tok-rt",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	t.Cleanup(func() { rc.Disconnect() })
	return rc
}

func TestRealtime_EmptyEndpointIsRESTOnly(t *testing.T) {
	rc := tradepost.NewRealtimeClient(tradepost.RealtimeConfig{})
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with no endpoint must not error, got %v", err)
	}
	if rc.Connected() {
		t.Error("Connected() = true without an endpoint")
	}
	if rc.State() != tradepost.StateDisconnected {
		t.Errorf("state = %s, want disconnected", rc.State())
	}
}

func TestRealtime_ConnectSendsToken(t *testing.T) {
	gotToken := make(chan string, 1)
	endpoint := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		// Hold the connection open until the client hangs up.
		conn.Read(ctx)
	})

	rc := connectRealtime(t, endpoint)
	if !rc.Connected() {
		t.Fatal("client not connected")
	}
	select {
	case tok := <-gotToken:
		if tok != "tok-rt" {
			t.Errorf("token = %q, want tok-rt", tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the upgrade")
	}
}

func TestRealtime_DispatchesEvents(t *testing.T) {
	endpoint := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		push := func(eventType string, payload interface{}) {
			raw, _ := json.Marshal(payload)
			if err := wsjson.Write(ctx, conn, wireEnvelope{Type: eventType, Payload: raw}); err != nil {
				t.Errorf("push %s: %v", eventType, err)
			}
		}
		push("message:new", tradepost.Message{
			ID:             "msg-1",
			ConversationID: "conv-1",
			Kind:           tradepost.MessageText,
			Content:        "hello",
		})
		push("typing:update", tradepost.TypingUpdatePayload{
			ConversationID: "conv-1",
			UserID:         "user-2",
			IsTyping:       true,
		})
		push("conversation:updated", tradepost.ConversationUpdatedPayload{
			ConversationID: "conv-1",
			LastMessage:    tradepost.LastMessage{Content: "hello", SenderID: "user-2"},
			Timestamp:      time.Now(),
		})
		conn.Read(ctx)
	})

	messages := make(chan tradepost.Message, 1)
	typing := make(chan tradepost.TypingUpdatePayload, 1)
	updates := make(chan tradepost.ConversationUpdatedPayload, 1)

	rc := tradepost.NewRealtimeClient(tradepost.RealtimeConfig{Endpoint: endpoint, Token: "tok-rt"})
	rc.OnMessageNew(func(m tradepost.Message) { messages <- m })
	rc.OnTypingUpdate(func(p tradepost.TypingUpdatePayload) { typing <- p })
	rc.OnConversationUpdated(func(p tradepost.ConversationUpdatedPayload) { updates <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer rc.Disconnect()

	select {
	case m := <-messages:
		if m.ID != "msg-1" || m.Content != "hello" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message:new never dispatched")
	}
	select {
	case p := <-typing:
		if p.UserID != "user-2" || !p.IsTyping {
			t.Errorf("typing = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing:update never dispatched")
	}
	select {
	case p := <-updates:
		if p.ConversationID != "conv-1" {
			t.Errorf("update = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conversation:updated never dispatched")
	}
}

func TestRealtime_SendMessageAck(t *testing.T) {
	endpoint := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		var cmd wireCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			t.Errorf("read command: %v", err)
			return
		}
		if cmd.Type != "message:send" {
			t.Errorf("command type = %q, want message:send", cmd.Type)
		}
		if cmd.RequestID == "" {
			t.Error("message:send carried no requestId")
		}
		if cmd.Payload["content"] != "deal" || cmd.Payload["conversationId"] != "conv-1" {
			t.Errorf("payload = %v", cmd.Payload)
		}

		ack, _ := json.Marshal(map[string]interface{}{
			"requestId": cmd.RequestID,
			"message": tradepost.Message{
				ID:             "msg-srv-1",
				ConversationID: "conv-1",
				Kind:           tradepost.MessageText,
				Content:        "deal",
				CreatedAt:      time.Now(),
			},
		})
		if err := wsjson.Write(ctx, conn, wireEnvelope{Type: "message:ack", Payload: ack}); err != nil {
			t.Errorf("write ack: %v", err)
		}
		conn.Read(ctx)
	})

	rc := connectRealtime(t, endpoint)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := rc.SendMessage(ctx, "conv-1", "deal", tradepost.MessageText, "")
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if msg.ID != "msg-srv-1" {
		t.Errorf("message id = %q, want the server-persisted id", msg.ID)
	}
}

func TestRealtime_FireAndForgetCommands(t *testing.T) {
	commands := make(chan wireCommand, 3)
	endpoint := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		for i := 0; i < 3; i++ {
			var cmd wireCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				return
			}
			commands <- cmd
		}
		conn.Read(ctx)
	})

	rc := connectRealtime(t, endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.StartTyping(ctx, "conv-1"); err != nil {
		t.Fatalf("StartTyping error: %v", err)
	}
	if err := rc.StopTyping(ctx, "conv-1"); err != nil {
		t.Fatalf("StopTyping error: %v", err)
	}
	if err := rc.MarkRead(ctx, "conv-1"); err != nil {
		t.Fatalf("MarkRead error: %v", err)
	}

	want := []string{"typing:start", "typing:stop", "conversation:read"}
	for _, wantType := range want {
		select {
		case cmd := <-commands:
			if cmd.Type != wantType {
				t.Errorf("command = %q, want %q", cmd.Type, wantType)
			}
			if cmd.Payload["conversationId"] != "conv-1" {
				t.Errorf("payload = %v", cmd.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("command %q never reached the server", wantType)
		}
	}
}

func TestRealtime_SendWhileDisconnected(t *testing.T) {
	rc := tradepost.NewRealtimeClient(tradepost.RealtimeConfig{Endpoint: "ws://127.0.0.1:1", Token: "tok-rt"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rc.SendMessage(ctx, "conv-1", "hello", tradepost.MessageText, "")
	if !errors.Is(err, tradepost.ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if err := rc.StartTyping(ctx, "conv-1"); !errors.Is(err, tradepost.ErrNotConnected) {
		t.Fatalf("StartTyping error = %v, want ErrNotConnected", err)
	}
}

func TestRealtime_Disconnect(t *testing.T) {
	endpoint := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		conn.Read(ctx)
	})

	rc := connectRealtime(t, endpoint)
	if !rc.Connected() {
		t.Fatal("client not connected")
	}
	if err := rc.Disconnect(); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if rc.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if rc.State() != tradepost.StateDisconnected {
		t.Errorf("state = %s, want disconnected", rc.State())
	}
}
