package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

func staticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func startChannel(t *testing.T, opts Options) *Channel {
	t.Helper()
	ch, err := NewChannel(opts)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		ch.Close()
		<-done
	})
	return ch
}

func TestChannelDeliversInboundEvents(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("token"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		event := `{"type":"call_end","sessionId":"sess_1","peerId":"u_2"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(event)); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := startChannel(t, Options{
		URL:   wsURL(srv),
		Token: staticToken("tok-123"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.WaitForConnection(ctx); err != nil {
		t.Fatalf("WaitForConnection: %v", err)
	}

	select {
	case msg := <-ch.Messages():
		if msg.Type != EventCallEnd || msg.SessionID != "sess_1" || msg.PeerID != "u_2" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
	if tok, _ := gotToken.Load().(string); tok != "tok-123" {
		t.Errorf("server saw token %q", tok)
	}
}

func TestChannelSendFailsFastWhenDisconnected(t *testing.T) {
	ch, err := NewChannel(Options{
		URL:   "ws://127.0.0.1:1/ws",
		Token: staticToken("tok"),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	msg := Message{Type: EventCallEnd, SessionID: "s", PeerID: "p"}
	if err := ch.Send(msg); err != ErrNotConnected {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}

func TestChannelSendRejectsInvalidMessage(t *testing.T) {
	ch, err := NewChannel(Options{
		URL:   "ws://127.0.0.1:1/ws",
		Token: staticToken("tok"),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(Message{Type: EventCallEnd}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestChannelReconnects(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	connected := make(chan struct{}, 4)
	disconnected := make(chan struct{}, 4)
	ch := startChannel(t, Options{
		URL:          wsURL(srv),
		Token:        staticToken("tok"),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		OnConnect:    func() { connected <- struct{}{} },
		OnDisconnect: func() { disconnected <- struct{}{} },
	})

	waitSignal(t, connected, "first connect")
	waitSignal(t, disconnected, "disconnect")
	waitSignal(t, connected, "reconnect")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.WaitForConnection(ctx); err != nil {
		t.Fatalf("WaitForConnection after reconnect: %v", err)
	}
	if got := connects.Load(); got < 2 {
		t.Errorf("connects = %d, want >= 2", got)
	}
}

func TestChannelDropsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{not json`,
			`{"type":"call_hold","sessionId":"s"}`,
			`{"type":"call_end","sessionId":"sess_ok","peerId":"u_9"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := startChannel(t, Options{
		URL:   wsURL(srv),
		Token: staticToken("tok"),
	})

	select {
	case msg := <-ch.Messages():
		if msg.SessionID != "sess_ok" {
			t.Errorf("got message %+v, want the well-formed one", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the well-formed event")
	}
	_, malformed := ch.DroppedCounts()
	if malformed != 2 {
		t.Errorf("malformed drops = %d, want 2", malformed)
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
