package state

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testStore() *Store {
	return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUpsertSessionCreatesEntry(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", Name: "api", State: SessionIdle})

	got, ok := s.Session("s1")
	if !ok {
		t.Fatalf("session not found after upsert")
	}
	if got.Name != "api" || got.State != SessionIdle {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.BusyStartedAt != nil {
		t.Errorf("idle session must not carry a busy timer")
	}
}

func TestUpsertSessionPreservesQueue(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", Name: "api", State: SessionBusy})
	if q := s.AddQueuedMessage("s1", "do the thing"); q == nil {
		t.Fatalf("failed to queue")
	}

	// A resync snapshot never carries the local queue.
	s.UpsertSession(Session{ID: "s1", Name: "api", State: SessionBusy})

	got, _ := s.Session("s1")
	if len(got.QueuedMessages) != 1 {
		t.Fatalf("resync dropped the queue: %d entries", len(got.QueuedMessages))
	}
	if got.QueuedMessages[0].Content != "do the thing" {
		t.Fatalf("unexpected queue content %q", got.QueuedMessages[0].Content)
	}
}

func TestUpsertSessionBusyTimer(t *testing.T) {
	s := testStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	s.UpsertSession(Session{ID: "s1", State: SessionBusy})
	got, _ := s.Session("s1")
	if got.BusyStartedAt == nil || !got.BusyStartedAt.Equal(base) {
		t.Fatalf("busy timer not started: %v", got.BusyStartedAt)
	}

	// Still busy at resync: the timer must keep its original start.
	clock = base.Add(30 * time.Second)
	s.UpsertSession(Session{ID: "s1", State: SessionBusy})
	got, _ = s.Session("s1")
	if got.BusyStartedAt == nil || !got.BusyStartedAt.Equal(base) {
		t.Fatalf("busy timer reset on busy->busy resync: %v", got.BusyStartedAt)
	}

	// Leaving busy clears it.
	s.UpsertSession(Session{ID: "s1", State: SessionIdle})
	got, _ = s.Session("s1")
	if got.BusyStartedAt != nil {
		t.Fatalf("busy timer survived idle transition")
	}

	// Re-entering busy starts fresh.
	clock = base.Add(time.Minute)
	s.UpsertSession(Session{ID: "s1", State: SessionBusy})
	got, _ = s.Session("s1")
	if got.BusyStartedAt == nil || !got.BusyStartedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("busy timer not restarted: %v", got.BusyStartedAt)
	}
}

func TestSetSessionStateBusyTimerIdempotent(t *testing.T) {
	s := testStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	s.UpsertSession(Session{ID: "s1", State: SessionIdle})

	prev, ok := s.SetSessionState("s1", SessionBusy)
	if !ok || prev != SessionIdle {
		t.Fatalf("transition failed: prev=%s ok=%v", prev, ok)
	}

	clock = base.Add(10 * time.Second)
	if _, ok := s.SetSessionState("s1", SessionBusy); !ok {
		t.Fatalf("repeated busy rejected")
	}
	got, _ := s.Session("s1")
	if got.BusyStartedAt == nil || !got.BusyStartedAt.Equal(base) {
		t.Fatalf("repeated busy reset the timer: %v", got.BusyStartedAt)
	}

	if _, ok := s.SetSessionState("s1", SessionWaiting); !ok {
		t.Fatalf("waiting transition rejected")
	}
	got, _ = s.Session("s1")
	if got.BusyStartedAt != nil {
		t.Fatalf("timer survived leaving busy")
	}
}

func TestSetSessionStateUnknownSession(t *testing.T) {
	s := testStore()
	if _, ok := s.SetSessionState("missing", SessionBusy); ok {
		t.Fatalf("transition on unknown session must report failure")
	}
}

func TestMarkAllDisconnected(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", State: SessionBusy})
	s.UpsertSession(Session{ID: "s2", State: SessionIdle})

	s.MarkAllDisconnected()

	for _, sess := range s.Sessions() {
		if sess.State != SessionDisconnected {
			t.Errorf("session %s still %s", sess.ID, sess.State)
		}
		if sess.BusyStartedAt != nil {
			t.Errorf("session %s kept its busy timer across disconnect", sess.ID)
		}
	}
}

func TestClearDisconnectedSessionsSkipsReferenced(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", State: SessionIdle})
	s.UpsertSession(Session{ID: "s2", State: SessionIdle})
	s.UpsertSession(Session{ID: "s3", State: SessionIdle})

	w := s.AddWidget(WidgetSession)
	if !s.SetWidgetSession(w.ID, "s2") {
		t.Fatalf("bind failed")
	}

	s.MarkAllDisconnected()
	removed := s.ClearDisconnectedSessions()

	if len(removed) != 2 || removed[0] != "s1" || removed[1] != "s3" {
		t.Fatalf("expected [s1 s3] removed, got %v", removed)
	}
	if _, ok := s.Session("s2"); !ok {
		t.Fatalf("widget-referenced session was pruned")
	}
}

func TestClearDisconnectedSessionsIgnoresConnected(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", State: SessionIdle})
	s.UpsertSession(Session{ID: "s2", State: SessionDisconnected})

	removed := s.ClearDisconnectedSessions()
	if len(removed) != 1 || removed[0] != "s2" {
		t.Fatalf("expected only s2 removed, got %v", removed)
	}
	if _, ok := s.Session("s1"); !ok {
		t.Fatalf("connected session was pruned")
	}
}

// Disconnect followed by a partial resync: the session the server still
// knows comes back, the other stays disconnected until explicitly pruned.
func TestReconnectPartialResync(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", State: SessionIdle})
	s.UpsertSession(Session{ID: "s2", State: SessionBusy})

	s.MarkAllDisconnected()

	// Server snapshot only contains s1.
	s.UpsertSession(Session{ID: "s1", State: SessionIdle})

	s1, _ := s.Session("s1")
	if s1.State != SessionIdle {
		t.Fatalf("s1 not restored: %s", s1.State)
	}
	s2, _ := s.Session("s2")
	if s2.State != SessionDisconnected {
		t.Fatalf("s2 should stay disconnected, got %s", s2.State)
	}

	removed := s.ClearDisconnectedSessions()
	if len(removed) != 1 || removed[0] != "s2" {
		t.Fatalf("expected prune of s2, got %v", removed)
	}
}

func TestUpsertSessionReconcilesMessages(t *testing.T) {
	s := testStore()
	ts := time.Now()
	s.UpsertSession(Session{ID: "s1", State: SessionIdle})
	local := Message{ID: NewLocalMessageID(), Role: RoleUser, Content: "hi", Timestamp: ts}
	if !s.ApplySessionMessage("s1", local) {
		t.Fatalf("apply failed")
	}

	// Resync carries the echoed user message plus the reply.
	s.UpsertSession(Session{ID: "s1", State: SessionIdle, Messages: []Message{
		{ID: RemoteMessageID("m1"), Role: RoleUser, Content: "hi", Timestamp: ts.Add(time.Second)},
		{ID: RemoteMessageID("m2"), Role: RoleAssistant, Content: "hello", Timestamp: ts.Add(2 * time.Second)},
	}})

	got, _ := s.Session("s1")
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages after resync, got %d", len(got.Messages))
	}
	if !got.Messages[0].ID.Local {
		t.Errorf("optimistic insert was replaced by its echo")
	}
	if got.Messages[1].Content != "hello" {
		t.Errorf("assistant reply missing: %+v", got.Messages[1])
	}
}

func TestSubscribeNotified(t *testing.T) {
	s := testStore()
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	s.UpsertSession(Session{ID: "s1", State: SessionIdle})
	w := s.AddWidget(WidgetSession)
	s.RemoveWidget(w.ID)

	if len(changes) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(changes))
	}
	if changes[0].Kind != ChangeSession || changes[0].SessionID != "s1" {
		t.Errorf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Kind != ChangeWidget || changes[1].WidgetID != w.ID {
		t.Errorf("unexpected second change: %+v", changes[1])
	}
}

func TestSessionCopiesAreIsolated(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", State: SessionIdle, Messages: []Message{
		{ID: RemoteMessageID("m1"), Role: RoleUser, Content: "original", Timestamp: time.Now()},
	}})

	got, _ := s.Session("s1")
	got.Messages[0].Content = "mutated"
	got.Name = "mutated"

	again, _ := s.Session("s1")
	if again.Messages[0].Content != "original" || again.Name != "" {
		t.Fatalf("store state leaked through a returned copy: %+v", again)
	}
}

func TestNameHistoryMostRecentFirst(t *testing.T) {
	s := testStore()
	s.RecordSessionName("alpha")
	s.RecordSessionName("beta")
	s.RecordSessionName("alpha")
	s.RecordSessionName("  ")

	got := s.NameHistory()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("expected [alpha beta], got %v", got)
	}
}

func TestCwdConfigRoundtrip(t *testing.T) {
	s := testStore()
	s.SaveCwdConfig("api", "/srv/api")
	s.SaveCwdConfig("", "/ignored")
	s.SaveCwdConfig("api", "/srv/api2")

	cwd, ok := s.CwdConfig("api")
	if !ok || cwd != "/srv/api2" {
		t.Fatalf("expected /srv/api2, got %q ok=%v", cwd, ok)
	}
	if _, ok := s.CwdConfig(""); ok {
		t.Fatalf("empty name must not be saved")
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := testStore()
	s.UpsertSession(Session{ID: "s1", Name: "api", State: SessionBusy, Messages: []Message{
		{ID: RemoteMessageID("m1"), Role: RoleUser, Content: "hi", Timestamp: time.Now()},
	}})
	s.AddQueuedMessage("s1", "queued work")
	conv := s.AddConversation()
	s.SetConversationState(conv.ID, ConversationBusy)
	w := s.AddWidget(WidgetSession)
	s.SetWidgetSession(w.ID, "s1")
	s.RecordSessionName("api")
	s.SaveCwdConfig("api", "/srv/api")

	snap := s.Snapshot()

	restored := testStore()
	restored.Restore(snap)

	sess, ok := restored.Session("s1")
	if !ok {
		t.Fatalf("session lost across restore")
	}
	if sess.State != SessionDisconnected {
		t.Errorf("restored session must come back disconnected, got %s", sess.State)
	}
	if sess.BusyStartedAt != nil {
		t.Errorf("restored session must not carry a busy timer")
	}
	if len(sess.QueuedMessages) != 1 || sess.QueuedMessages[0].Content != "queued work" {
		t.Errorf("queued messages lost: %+v", sess.QueuedMessages)
	}
	if len(sess.Messages) != 1 {
		t.Errorf("messages lost: %d", len(sess.Messages))
	}

	c, ok := restored.Conversation(conv.ID)
	if !ok {
		t.Fatalf("conversation lost across restore")
	}
	if c.State != ConversationIdle {
		t.Errorf("restored conversation must come back idle, got %s", c.State)
	}

	if _, ok := restored.Widget(w.ID); !ok {
		t.Errorf("widget lost across restore")
	}
	if names := restored.NameHistory(); len(names) != 1 || names[0] != "api" {
		t.Errorf("name history lost: %v", names)
	}
	if cwd, ok := restored.CwdConfig("api"); !ok || cwd != "/srv/api" {
		t.Errorf("cwd config lost: %q", cwd)
	}
}
