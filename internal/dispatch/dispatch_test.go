package dispatch

import (
	"errors"
	"testing"
	"time"

	"VibeSync/internal/protocol"
)

type captureSender struct {
	frames []any
	err    error
}

func (c *captureSender) Send(v any) error {
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, v)
	return nil
}

func (c *captureSender) last(t *testing.T) any {
	t.Helper()
	if len(c.frames) == 0 {
		t.Fatalf("no frame sent")
	}
	return c.frames[len(c.frames)-1]
}

func TestChatFrame(t *testing.T) {
	sender := &captureSender{}
	d := New(sender)

	if err := d.Chat("s1", "run tests"); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	req, ok := sender.last(t).(protocol.ChatRequest)
	if !ok {
		t.Fatalf("wrong frame type: %T", sender.last(t))
	}
	if req.Type != protocol.TypeChat || req.SessionID != "s1" || req.Content != "run tests" {
		t.Fatalf("unexpected frame: %+v", req)
	}
}

func TestCreateSessionFrame(t *testing.T) {
	sender := &captureSender{}
	d := New(sender)

	if err := d.CreateSession("api", "/srv/api", "fix the bug", "remote"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	req := sender.last(t).(protocol.CreateSessionRequest)
	if req.Type != protocol.TypeCreateSession || req.Name != "api" ||
		req.Cwd != "/srv/api" || req.Prompt != "fix the bug" || req.ExecutionMode != "remote" {
		t.Fatalf("unexpected frame: %+v", req)
	}
}

func TestDirectChatCarriesHistory(t *testing.T) {
	sender := &captureSender{}
	d := New(sender)

	history := []protocol.WireMessage{
		{ID: "m1", Role: "user", Content: "hello", Timestamp: time.Now()},
		{ID: "m2", Role: "assistant", Content: "hi", Timestamp: time.Now()},
	}
	if err := d.DirectChat("c1", "and now?", history, nil); err != nil {
		t.Fatalf("direct chat failed: %v", err)
	}
	req := sender.last(t).(protocol.DirectChatRequest)
	if req.ConversationID != "c1" || req.Content != "and now?" {
		t.Fatalf("unexpected frame: %+v", req)
	}
	if len(req.History) != 2 || req.History[0].ID != "m1" {
		t.Fatalf("history lost: %+v", req.History)
	}
}

func TestSimpleSessionFrames(t *testing.T) {
	tests := []struct {
		name string
		send func(d *Dispatcher) error
		want string
	}{
		{"list", func(d *Dispatcher) error { return d.ListSessions() }, protocol.TypeListSessions},
		{"interrupt", func(d *Dispatcher) error { return d.Interrupt("s1") }, protocol.TypeInterrupt},
		{"subscribe", func(d *Dispatcher) error { return d.Subscribe("s1") }, protocol.TypeSubscribe},
		{"close", func(d *Dispatcher) error { return d.CloseSession("s1") }, protocol.TypeCloseSession},
		{"mode", func(d *Dispatcher) error { return d.SetExecutionMode("s1", "local") }, protocol.TypeSetExecutionMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &captureSender{}
			if err := tt.send(New(sender)); err != nil {
				t.Fatalf("send failed: %v", err)
			}
			got := frameType(t, sender.last(t))
			if got != tt.want {
				t.Fatalf("expected type %q, got %q", tt.want, got)
			}
		})
	}
}

func frameType(t *testing.T, frame any) string {
	t.Helper()
	switch f := frame.(type) {
	case protocol.ListSessionsRequest:
		return f.Type
	case protocol.InterruptRequest:
		return f.Type
	case protocol.SubscribeRequest:
		return f.Type
	case protocol.CloseSessionRequest:
		return f.Type
	case protocol.SetExecutionModeRequest:
		return f.Type
	default:
		t.Fatalf("unexpected frame type %T", frame)
		return ""
	}
}

func TestSendErrorPropagates(t *testing.T) {
	wantErr := errors.New("socket gone")
	d := New(&captureSender{err: wantErr})
	if err := d.Chat("s1", "hello"); !errors.Is(err, wantErr) {
		t.Fatalf("expected send error, got %v", err)
	}
}
