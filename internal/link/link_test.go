package link

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"VibeSync/internal/protocol"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	events       chan protocol.Event
	connected    chan struct{}
	disconnected chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		events:       make(chan protocol.Event, 16),
		connected:    make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
	}
}

func (h *recordingHandler) HandleEvent(ev protocol.Event) { h.events <- ev }
func (h *recordingHandler) Connected()                    { h.connected <- struct{}{} }
func (h *recordingHandler) Disconnected()                 { h.disconnected <- struct{}{} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer runs fn on each upgraded connection and returns the ws:// URL.
func wsServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnectRequestsSessionList(t *testing.T) {
	frames := make(chan map[string]any, 4)
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	})

	h := newRecordingHandler()
	l := New(url, time.Second, testLogger())
	l.SetHandler(h)
	if err := l.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()

	waitFor(t, h.connected, "connected callback")
	first := waitFor(t, frames, "first outbound frame")
	if first["type"] != protocol.TypeListSessions {
		t.Fatalf("expected list_sessions first, got %v", first["type"])
	}
}

func TestEventRoutedToHandler(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "session_state", "sessionId": "s1", "state": "busy"})
		// Hold the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	l := New(url, time.Second, testLogger())
	l.SetHandler(h)
	if err := l.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()

	ev := waitFor(t, h.events, "routed event")
	if ev.Type != protocol.TypeSessionState || ev.SessionID != "s1" || ev.State != "busy" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	frames := make(chan map[string]any, 4)
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "ping"})
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	})

	h := newRecordingHandler()
	l := New(url, time.Second, testLogger())
	l.SetHandler(h)
	if err := l.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-frames:
			if frame["type"] == protocol.TypePong {
				select {
				case ev := <-h.events:
					t.Fatalf("ping must be handled by the link, not routed: %+v", ev)
				default:
				}
				return
			}
		case <-deadline:
			t.Fatalf("no pong received")
		}
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("this is not json"))
		conn.WriteJSON(map[string]any{"type": "session_closed", "sessionId": "s1"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	l := New(url, time.Second, testLogger())
	l.SetHandler(h)
	if err := l.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()

	ev := waitFor(t, h.events, "event after malformed frame")
	if ev.Type != protocol.TypeSessionClosed {
		t.Fatalf("expected the well-formed frame to survive, got %+v", ev)
	}
}

func TestServerCloseTriggersDisconnectAndReconnect(t *testing.T) {
	var attempts atomic.Int32
	dials := make(chan struct{}, 4)
	url := wsServer(t, func(conn *websocket.Conn) {
		n := attempts.Add(1)
		dials <- struct{}{}
		// Drop the first connection immediately; keep later ones alive.
		if n == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	l := New(url, 50*time.Millisecond, testLogger())
	l.SetHandler(h)
	if err := l.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()

	waitFor(t, dials, "first dial")
	waitFor(t, h.disconnected, "disconnected callback")
	waitFor(t, dials, "reconnect dial")
	waitFor(t, h.connected, "reconnected callback")
}

func TestSendWhileDisconnected(t *testing.T) {
	l := New("ws://localhost:1/socket", time.Hour, testLogger())
	l.SetHandler(newRecordingHandler())
	err := l.Send(protocol.ChatRequest{Type: protocol.TypeChat, SessionID: "s1", Content: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestFailedDialSchedulesReconnect(t *testing.T) {
	// Dial a server that starts rejecting, then begins accepting.
	upgrader := websocket.Upgrader{}
	accepting := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-accepting:
		default:
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
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

	h := newRecordingHandler()
	l := New("ws"+strings.TrimPrefix(srv.URL, "http"), 50*time.Millisecond, testLogger())
	l.SetHandler(h)
	if err := l.Connect(); err == nil {
		t.Fatalf("expected dial failure")
	}
	close(accepting)
	defer l.Close()

	waitFor(t, h.connected, "connected after retry")
}

func TestSendWritesJSON(t *testing.T) {
	frames := make(chan []byte, 4)
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})

	h := newRecordingHandler()
	l := New(url, time.Second, testLogger())
	l.SetHandler(h)
	if err := l.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()

	waitFor(t, frames, "list_sessions frame")
	if err := l.Send(protocol.InterruptRequest{Type: protocol.TypeInterrupt, SessionID: "s9"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	data := waitFor(t, frames, "interrupt frame")
	var req protocol.InterruptRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("bad frame on the wire: %v", err)
	}
	if req.Type != protocol.TypeInterrupt || req.SessionID != "s9" {
		t.Fatalf("unexpected frame: %+v", req)
	}
}
