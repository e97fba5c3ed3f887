package state

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeKind tags a change notification with the entity class it touched.
type ChangeKind string

const (
	ChangeSession      ChangeKind = "session"
	ChangeConversation ChangeKind = "conversation"
	ChangeWidget       ChangeKind = "widget"
)

// Change describes one mutation of the store, delivered to subscribers so a
// front-end can re-render whichever widget references the target.
type Change struct {
	Kind           ChangeKind
	SessionID      string
	ConversationID string
	WidgetID       string
}

// Store owns all shared mutable client state: the session and conversation
// registries, the widget bindings, and the persisted name/cwd history. All
// mutation happens through typed methods; every write is an append or a
// total replace-by-id, and subscribers are notified synchronously after the
// triggering mutation completes.
type Store struct {
	mu            sync.Mutex
	logger        *slog.Logger
	sessions      map[string]*Session
	conversations map[string]*Conversation
	widgets       map[string]*Widget
	nameHistory   []string
	cwdConfigs    map[string]string
	subs          []func(Change)
	now           func() time.Time
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:        logger,
		sessions:      make(map[string]*Session),
		conversations: make(map[string]*Conversation),
		widgets:       make(map[string]*Widget),
		cwdConfigs:    make(map[string]string),
		now:           time.Now,
	}
}

// Subscribe registers a change listener. Listeners must be registered
// before events start flowing; they are invoked synchronously and must not
// call back into mutating store methods.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	subs := make([]func(Change), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

// --- Session registry ---

// UpsertSession merges server-provided session data over any existing
// entry. The local queue is user intent, not server state, so it survives;
// the busy timer is only carried across when both the old and new state are
// busy. Server messages are reconciled one by one so optimistic local
// inserts are not duplicated.
func (s *Store) UpsertSession(incoming Session) {
	s.mu.Lock()
	existing, ok := s.sessions[incoming.ID]
	if !ok {
		fresh := incoming
		fresh.QueuedMessages = nil
		fresh.BusyStartedAt = nil
		if fresh.State == SessionBusy {
			t := s.now()
			fresh.BusyStartedAt = &t
		}
		msgs := fresh.Messages
		fresh.Messages = nil
		for _, m := range msgs {
			fresh.Messages = reconcile(fresh.Messages, m)
		}
		s.sessions[fresh.ID] = &fresh
	} else {
		wasBusy := existing.State == SessionBusy
		existing.Name = incoming.Name
		existing.Cwd = incoming.Cwd
		existing.ExecutionMode = incoming.ExecutionMode
		existing.State = incoming.State
		if incoming.State != SessionBusy {
			existing.BusyStartedAt = nil
		} else if !wasBusy {
			t := s.now()
			existing.BusyStartedAt = &t
		}
		for _, m := range incoming.Messages {
			existing.Messages = reconcile(existing.Messages, m)
		}
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: incoming.ID})
}

// SetSessionState applies one state-machine transition. It reports the
// prior state so callers can react to a session leaving busy.
func (s *Store) SetSessionState(id string, next SessionState) (prev SessionState, ok bool) {
	s.mu.Lock()
	sess, found := s.sessions[id]
	if !found {
		s.mu.Unlock()
		return "", false
	}
	prev = sess.State
	sess.applyState(next, s.now())
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: id})
	return prev, true
}

// SetExecutionMode updates where the session's process runs. Callers must
// not invoke this while the session is busy; that invariant is checked at
// the call site, not here.
func (s *Store) SetExecutionMode(id string, mode ExecutionMode) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	sess.ExecutionMode = mode
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: id})
	return true
}

// ApplySessionMessage reconciles one message into a session's list.
func (s *Store) ApplySessionMessage(id string, m Message) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	sess.Messages = reconcile(sess.Messages, m)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: id})
	return true
}

// MarkAllDisconnected is applied in bulk on transport loss.
func (s *Store) MarkAllDisconnected() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	now := s.now()
	for id, sess := range s.sessions {
		sess.applyState(SessionDisconnected, now)
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.notify(Change{Kind: ChangeSession, SessionID: id})
	}
}

// RemoveSession deletes a session unconditionally.
func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: id})
}

// ClearDisconnectedSessions prunes every disconnected session that no
// widget still references. This is the only automatic reclamation path;
// anything a widget points at keeps its history until the user lets go.
func (s *Store) ClearDisconnectedSessions() []string {
	s.mu.Lock()
	referenced := make(map[string]bool, len(s.widgets))
	for _, w := range s.widgets {
		if w.SessionID != "" {
			referenced[w.SessionID] = true
		}
	}
	var removed []string
	for id, sess := range s.sessions {
		if sess.State == SessionDisconnected && !referenced[id] {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(removed)
	for _, id := range removed {
		s.notify(Change{Kind: ChangeSession, SessionID: id})
	}
	return removed
}

// Session returns a copy of one session.
func (s *Store) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return copySession(sess), true
}

// Sessions returns copies of all sessions, ordered by id.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copySession(sess *Session) Session {
	c := *sess
	c.Messages = append([]Message(nil), sess.Messages...)
	c.QueuedMessages = append([]QueuedMessage(nil), sess.QueuedMessages...)
	if sess.BusyStartedAt != nil {
		t := *sess.BusyStartedAt
		c.BusyStartedAt = &t
	}
	return c
}

// --- Queued messages ---

// AddQueuedMessage appends trimmed user input to a session's FIFO queue.
// Returns nil when the session no longer exists; by the single-writer event
// model that is a legitimate race, not a programming error.
func (s *Store) AddQueuedMessage(sessionID, content string) *QueuedMessage {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	q := QueuedMessage{
		ID:        uuid.New().String(),
		Content:   strings.TrimSpace(content),
		Timestamp: s.now(),
	}
	sess.QueuedMessages = append(sess.QueuedMessages, q)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: sessionID})
	return &q
}

// NextQueuedMessage returns the head of the queue without removing it, or
// nil when the queue is empty or the session is gone.
func (s *Store) NextQueuedMessage(sessionID string) *QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || len(sess.QueuedMessages) == 0 {
		return nil
	}
	q := sess.QueuedMessages[0]
	return &q
}

// RemoveQueuedMessage drops one specific queue entry, used once the backend
// has accepted that input.
func (s *Store) RemoveQueuedMessage(sessionID, id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for i, q := range sess.QueuedMessages {
		if q.ID == id {
			sess.QueuedMessages = append(sess.QueuedMessages[:i], sess.QueuedMessages[i+1:]...)
			s.mu.Unlock()
			s.notify(Change{Kind: ChangeSession, SessionID: sessionID})
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// ClearQueue drops all pending entries for a session.
func (s *Store) ClearQueue(sessionID string) {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.QueuedMessages = nil
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: sessionID})
}

// --- Conversation registry ---

// AddConversation creates an idle conversation with a client-minted id.
func (s *Store) AddConversation() Conversation {
	conv := Conversation{ID: uuid.New().String(), State: ConversationIdle, Messages: []Message{}}
	s.mu.Lock()
	c := conv
	s.conversations[conv.ID] = &c
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversation, ConversationID: conv.ID})
	return conv
}

// SetConversationState updates a conversation's state.
func (s *Store) SetConversationState(id string, next ConversationState) bool {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	conv.State = next
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	return true
}

// ApplyConversationMessage reconciles one message into a conversation,
// under the same merge rule sessions use.
func (s *Store) ApplyConversationMessage(id string, m Message) bool {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	conv.Messages = reconcile(conv.Messages, m)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	return true
}

// RemoveConversation deletes a conversation.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	c := *conv
	c.Messages = append([]Message(nil), conv.Messages...)
	return c, true
}

// Conversations returns copies of all conversations, ordered by id.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		c := *conv
		c.Messages = append([]Message(nil), conv.Messages...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Widget binding layer ---

// AddWidget creates an unbound widget of the given type and places it in
// the lowest free grid slot.
func (s *Store) AddWidget(t WidgetType) Widget {
	s.mu.Lock()
	w := Widget{ID: uuid.New().String(), Type: t, Slot: s.freeSlotLocked()}
	wc := w
	s.widgets[w.ID] = &wc
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeWidget, WidgetID: w.ID})
	return w
}

// AddChatWidget creates a chat widget together with its conversation in one
// step, so a chat widget is never observed unbound.
func (s *Store) AddChatWidget() (Widget, Conversation) {
	conv := Conversation{ID: uuid.New().String(), State: ConversationIdle, Messages: []Message{}}
	s.mu.Lock()
	cc := conv
	s.conversations[conv.ID] = &cc
	w := Widget{ID: uuid.New().String(), Type: WidgetChat, ConversationID: conv.ID, Slot: s.freeSlotLocked()}
	wc := w
	s.widgets[w.ID] = &wc
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeWidget, WidgetID: w.ID})
	return w, conv
}

func (s *Store) freeSlotLocked() int {
	taken := make(map[int]bool, len(s.widgets))
	for _, w := range s.widgets {
		taken[w.Slot] = true
	}
	for slot := 0; ; slot++ {
		if !taken[slot] {
			return slot
		}
	}
}

// SetWidgetSession binds a session to a widget once session creation
// completes.
func (s *Store) SetWidgetSession(widgetID, sessionID string) bool {
	s.mu.Lock()
	w, ok := s.widgets[widgetID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	w.SessionID = sessionID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeWidget, WidgetID: widgetID})
	return true
}

// RemoveWidget deletes a widget. Only a chat widget takes its conversation
// with it; sessions are long-lived shared resources and are never
// cascade-deleted.
func (s *Store) RemoveWidget(widgetID string) {
	s.mu.Lock()
	w, ok := s.widgets[widgetID]
	var convID string
	if ok {
		if w.Type == WidgetChat {
			convID = w.ConversationID
			delete(s.conversations, convID)
		}
		delete(s.widgets, widgetID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.notify(Change{Kind: ChangeWidget, WidgetID: widgetID})
	if convID != "" {
		s.notify(Change{Kind: ChangeConversation, ConversationID: convID})
	}
}

// RenameWidget sets the widget's display name. Presentation only.
func (s *Store) RenameWidget(widgetID, name string) bool {
	return s.updateWidget(widgetID, func(w *Widget) { w.CustomName = name })
}

// ToggleWidgetMinimized flips the minimized flag. Presentation only.
func (s *Store) ToggleWidgetMinimized(widgetID string) bool {
	return s.updateWidget(widgetID, func(w *Widget) { w.Minimized = !w.Minimized })
}

// ToggleShowStreaming flips the streaming-output flag. Presentation only.
func (s *Store) ToggleShowStreaming(widgetID string) bool {
	return s.updateWidget(widgetID, func(w *Widget) { w.ShowStreaming = !w.ShowStreaming })
}

func (s *Store) updateWidget(widgetID string, fn func(*Widget)) bool {
	s.mu.Lock()
	w, ok := s.widgets[widgetID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(w)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeWidget, WidgetID: widgetID})
	return true
}

// Widget returns a copy of one widget.
func (s *Store) Widget(widgetID string) (Widget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[widgetID]
	if !ok {
		return Widget{}, false
	}
	return *w, true
}

// Widgets returns copies of all widgets, ordered by slot.
func (s *Store) Widgets() []Widget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Widget, 0, len(s.widgets))
	for _, w := range s.widgets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// --- Name history and saved working directories ---

// RecordSessionName remembers a session name for later reuse, most recent
// first, without duplicates.
func (s *Store) RecordSessionName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.nameHistory {
		if n == name {
			s.nameHistory = append(s.nameHistory[:i], s.nameHistory[i+1:]...)
			break
		}
	}
	s.nameHistory = append([]string{name}, s.nameHistory...)
}

// NameHistory returns remembered session names, most recent first.
func (s *Store) NameHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.nameHistory...)
}

// SaveCwdConfig remembers the working directory last used for a session
// name.
func (s *Store) SaveCwdConfig(name, cwd string) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(cwd) == "" {
		return
	}
	s.mu.Lock()
	s.cwdConfigs[name] = cwd
	s.mu.Unlock()
}

// CwdConfig looks up the saved working directory for a session name.
func (s *Store) CwdConfig(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cwd, ok := s.cwdConfigs[name]
	return cwd, ok
}

// --- Persistence snapshot ---

// Snapshot is the persisted slice of the store: everything except the live
// connection flag, which is always re-derived on connect.
type Snapshot struct {
	Sessions      []Session
	Conversations []Conversation
	Widgets       []Widget
	NameHistory   []string
	CwdConfigs    map[string]string
}

// Snapshot captures the current persisted state.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Sessions:      s.Sessions(),
		Conversations: s.Conversations(),
		Widgets:       s.Widgets(),
		NameHistory:   s.NameHistory(),
	}
	s.mu.Lock()
	snap.CwdConfigs = make(map[string]string, len(s.cwdConfigs))
	for k, v := range s.cwdConfigs {
		snap.CwdConfigs[k] = v
	}
	s.mu.Unlock()
	return snap
}

// Restore loads a snapshot into an empty store. Restored sessions come back
// disconnected regardless of the state they were saved in: whether their
// process still exists is the resync's call, not the cache's.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	for _, sess := range snap.Sessions {
		c := sess
		c.State = SessionDisconnected
		c.BusyStartedAt = nil
		s.sessions[c.ID] = &c
	}
	for _, conv := range snap.Conversations {
		c := conv
		c.State = ConversationIdle
		s.conversations[c.ID] = &c
	}
	for _, w := range snap.Widgets {
		c := w
		s.widgets[c.ID] = &c
	}
	s.nameHistory = append([]string(nil), snap.NameHistory...)
	for k, v := range snap.CwdConfigs {
		s.cwdConfigs[k] = v
	}
	s.mu.Unlock()
}
