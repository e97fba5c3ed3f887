// Package engine routes inbound events into the state store, performs
// optimistic local inserts for user actions, and drives the per-session
// outbound queue so at most one instruction is in flight per session.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"VibeSync/internal/cache"
	"VibeSync/internal/dispatch"
	"VibeSync/internal/protocol"
	"VibeSync/internal/state"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Engine coordinates the transport link, the state store, and the cache.
// It implements link.Handler.
type Engine struct {
	store    *state.Store
	cache    *cache.Cache
	dispatch *dispatch.Dispatcher
	logger   *slog.Logger
	tracer   trace.Tracer

	framesIn      metric.Int64Counter
	framesUnknown metric.Int64Counter
	reconnects    metric.Int64Counter
	busySeconds   metric.Float64Histogram

	mu             sync.Mutex
	pendingCreates map[string]string // session name -> widget id awaiting bind
}

// New creates an engine over a send surface. The cache may be nil, in which
// case nothing is persisted.
func New(store *state.Store, c *cache.Cache, sender dispatch.Sender, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:          store,
		cache:          c,
		dispatch:       dispatch.New(sender),
		logger:         logger,
		tracer:         tracer,
		pendingCreates: make(map[string]string),
	}

	var err error
	if e.framesIn, err = meter.Int64Counter("link.frames.inbound",
		metric.WithDescription("Inbound frames by type")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if e.framesUnknown, err = meter.Int64Counter("link.frames.unknown",
		metric.WithDescription("Inbound frames with an unrecognized type")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if e.reconnects, err = meter.Int64Counter("link.connects",
		metric.WithDescription("Successful socket connections")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if e.busySeconds, err = meter.Float64Histogram("session.busy.duration",
		metric.WithDescription("Seconds a session spent busy per completed turn")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	return e, nil
}

// Store exposes the state store to front-ends for reads, widget operations,
// and change subscriptions.
func (e *Engine) Store() *state.Store {
	return e.store
}

// RestoreFromCache loads the persisted snapshot into the store. Restored
// sessions come back disconnected until the first resync proves otherwise.
func (e *Engine) RestoreFromCache() error {
	if e.cache == nil {
		return nil
	}
	snap, err := e.cache.Load()
	if err != nil {
		return fmt.Errorf("failed to load cached state: %w", err)
	}
	e.store.Restore(snap)
	e.logger.Info("restored cached state",
		"sessions", len(snap.Sessions),
		"conversations", len(snap.Conversations),
		"widgets", len(snap.Widgets))
	return nil
}

// Shutdown persists a final snapshot.
func (e *Engine) Shutdown() error {
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Save(e.store.Snapshot()); err != nil {
		return fmt.Errorf("failed to save state on shutdown: %w", err)
	}
	return nil
}

// --- link.Handler ---

// Connected fires when the socket opens. The link has already requested the
// authoritative session list; the engine re-subscribes every session a
// widget still shows.
func (e *Engine) Connected() {
	e.reconnects.Add(context.Background(), 1)
	for _, w := range e.store.Widgets() {
		if w.SessionID == "" {
			continue
		}
		if err := e.dispatch.Subscribe(w.SessionID); err != nil {
			e.logger.Warn("failed to resubscribe", "session_id", w.SessionID, "error", err)
		}
	}
}

// Disconnected fires on any socket close: every session is bulk-marked
// disconnected and the view degrades rather than halts.
func (e *Engine) Disconnected() {
	e.store.MarkAllDisconnected()
	e.persist()
}

// HandleEvent routes one inbound frame by its type discriminant.
func (e *Engine) HandleEvent(ev protocol.Event) {
	ctx := context.Background()
	e.framesIn.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))

	switch ev.Type {
	case protocol.TypeSessionList:
		e.handleSessionList(ctx, ev)

	case protocol.TypeSessionCreated:
		e.handleSessionCreated(ev)

	case protocol.TypeSessionState:
		e.handleSessionState(ctx, ev)

	case protocol.TypeSessionMessage:
		if ev.Message == nil {
			e.logger.Warn("session_message without message", "session_id", ev.SessionID)
			return
		}
		if !e.store.ApplySessionMessage(ev.SessionID, toMessage(*ev.Message)) {
			e.logger.Debug("message for unknown session", "session_id", ev.SessionID)
			return
		}
		e.persist()

	case protocol.TypeConversationMessage:
		e.handleConversationMessage(ev)

	case protocol.TypeSessionClosed:
		e.store.RemoveSession(ev.SessionID)
		e.persist()

	case protocol.TypeSessionCreateFailed:
		e.logger.Error("session creation failed", "name", ev.Name, "error", ev.Error)
		e.mu.Lock()
		delete(e.pendingCreates, ev.Name)
		e.mu.Unlock()

	default:
		e.framesUnknown.Add(ctx, 1)
		e.logger.Warn("ignoring unrecognized frame type", "type", ev.Type)
	}
}

func (e *Engine) handleSessionList(ctx context.Context, ev protocol.Event) {
	_, span := e.tracer.Start(ctx, "session_resync")
	defer span.End()

	for _, snap := range ev.Sessions {
		e.store.UpsertSession(toSession(snap))
	}
	e.logger.Info("resynced session list", "count", len(ev.Sessions))
	e.persist()
}

func (e *Engine) handleSessionCreated(ev protocol.Event) {
	if ev.Session == nil {
		e.logger.Warn("session_created without session payload", "name", ev.Name)
		return
	}
	e.store.UpsertSession(toSession(*ev.Session))

	name := ev.Name
	if name == "" {
		name = ev.Session.Name
	}
	e.mu.Lock()
	widgetID, pending := e.pendingCreates[name]
	delete(e.pendingCreates, name)
	e.mu.Unlock()
	if pending {
		if !e.store.SetWidgetSession(widgetID, ev.Session.ID) {
			e.logger.Warn("widget gone before session bind", "widget_id", widgetID, "session_id", ev.Session.ID)
		}
	}
	if err := e.dispatch.Subscribe(ev.Session.ID); err != nil {
		e.logger.Warn("failed to subscribe to new session", "session_id", ev.Session.ID, "error", err)
	}
	e.persist()
}

func (e *Engine) handleSessionState(ctx context.Context, ev protocol.Event) {
	next := state.SessionState(ev.State)
	if !validSessionState(next) {
		e.logger.Warn("ignoring unknown session state", "session_id", ev.SessionID, "state", ev.State)
		return
	}
	before, found := e.store.Session(ev.SessionID)
	prev, ok := e.store.SetSessionState(ev.SessionID, next)
	if !ok {
		e.logger.Debug("state update for unknown session", "session_id", ev.SessionID)
		return
	}
	if prev == state.SessionBusy && next != state.SessionBusy {
		if found && before.BusyStartedAt != nil {
			e.busySeconds.Record(ctx, time.Since(*before.BusyStartedAt).Seconds())
		}
		e.drainQueue(ev.SessionID)
	}
	e.persist()
}

func (e *Engine) handleConversationMessage(ev protocol.Event) {
	if ev.Message == nil {
		e.logger.Warn("conversation_message without message", "conversation_id", ev.ConversationID)
		return
	}
	if !e.store.ApplyConversationMessage(ev.ConversationID, toMessage(*ev.Message)) {
		e.logger.Debug("message for unknown conversation", "conversation_id", ev.ConversationID)
		return
	}
	if ev.Message.Done && ev.Message.Role == state.RoleAssistant {
		e.store.SetConversationState(ev.ConversationID, state.ConversationIdle)
	}
	e.persist()
}

// drainQueue forwards the head of a session's queue once that session
// leaves busy. One entry per transition keeps at most one instruction in
// flight per session.
func (e *Engine) drainQueue(sessionID string) {
	next := e.store.NextQueuedMessage(sessionID)
	if next == nil {
		return
	}
	if err := e.dispatch.Chat(sessionID, next.Content); err != nil {
		e.logger.Warn("failed to send queued message, keeping it queued",
			"session_id", sessionID, "queued_id", next.ID, "error", err)
		return
	}
	e.store.ApplySessionMessage(sessionID, localUserMessage(next.Content, nil))
	e.store.RemoveQueuedMessage(sessionID, next.ID)
	e.logger.Info("drained queued message", "session_id", sessionID, "queued_id", next.ID)
}

// --- user intents ---

// CreateSession requests a new remote agent process. When widgetID is
// non-empty the widget is bound once the backend confirms creation under
// the same name.
func (e *Engine) CreateSession(widgetID, name, cwd, prompt string, mode state.ExecutionMode) error {
	if widgetID != "" {
		e.mu.Lock()
		e.pendingCreates[name] = widgetID
		e.mu.Unlock()
	}
	e.store.RecordSessionName(name)
	if cwd != "" {
		e.store.SaveCwdConfig(name, cwd)
	}
	if err := e.dispatch.CreateSession(name, cwd, prompt, string(mode)); err != nil {
		return fmt.Errorf("failed to request session creation: %w", err)
	}
	e.persist()
	return nil
}

// SendChat delivers user input to a session: immediately when the session
// can take it, otherwise onto its FIFO queue so the intent survives until
// the session frees up.
func (e *Engine) SendChat(sessionID, content string) error {
	sess, ok := e.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if sess.State == state.SessionBusy {
		if q := e.store.AddQueuedMessage(sessionID, content); q == nil {
			return fmt.Errorf("unknown session %s", sessionID)
		}
		e.persist()
		return nil
	}
	if err := e.dispatch.Chat(sessionID, content); err != nil {
		return fmt.Errorf("failed to send chat: %w", err)
	}
	e.store.ApplySessionMessage(sessionID, localUserMessage(content, nil))
	e.persist()
	return nil
}

// SendDirectChat sends one turn of a tool-free conversation, carrying the
// full history since no server-side process holds it.
func (e *Engine) SendDirectChat(conversationID, content string, images []state.Image) error {
	conv, ok := e.store.Conversation(conversationID)
	if !ok {
		return fmt.Errorf("unknown conversation %s", conversationID)
	}
	history := make([]protocol.WireMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		history = append(history, toWireMessage(m))
	}
	if err := e.dispatch.DirectChat(conversationID, content, history, toWireImages(images)); err != nil {
		return fmt.Errorf("failed to send direct chat: %w", err)
	}
	e.store.ApplyConversationMessage(conversationID, localUserMessage(content, images))
	e.store.SetConversationState(conversationID, state.ConversationBusy)
	e.persist()
	return nil
}

// Interrupt asks a session to stop. Fire and forget: local state only
// changes when the backend reports the transition, so the server stays the
// single source of truth.
func (e *Engine) Interrupt(sessionID string) error {
	if err := e.dispatch.Interrupt(sessionID); err != nil {
		return fmt.Errorf("failed to send interrupt: %w", err)
	}
	return nil
}

// SetExecutionMode moves a session between local and remote execution.
// Refused while the session is busy; this is the required call-site check
// the store itself does not enforce.
func (e *Engine) SetExecutionMode(sessionID string, mode state.ExecutionMode) error {
	sess, ok := e.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if sess.State == state.SessionBusy {
		return fmt.Errorf("cannot change execution mode while session %s is busy", sessionID)
	}
	if err := e.dispatch.SetExecutionMode(sessionID, string(mode)); err != nil {
		return fmt.Errorf("failed to send execution mode change: %w", err)
	}
	e.store.SetExecutionMode(sessionID, mode)
	e.persist()
	return nil
}

// CloseSession terminates a session's remote process. Removal happens when
// the session_closed event arrives.
func (e *Engine) CloseSession(sessionID string) error {
	if err := e.dispatch.CloseSession(sessionID); err != nil {
		return fmt.Errorf("failed to send close: %w", err)
	}
	return nil
}

// RemoveWidget removes a widget, clears the queue of a session nothing
// shows anymore, and persists.
func (e *Engine) RemoveWidget(widgetID string) {
	w, ok := e.store.Widget(widgetID)
	e.store.RemoveWidget(widgetID)
	if ok && w.SessionID != "" {
		stillShown := false
		for _, other := range e.store.Widgets() {
			if other.SessionID == w.SessionID {
				stillShown = true
				break
			}
		}
		if !stillShown {
			e.store.ClearQueue(w.SessionID)
		}
	}
	e.persist()
}

// Prune drops disconnected sessions no widget references.
func (e *Engine) Prune() []string {
	removed := e.store.ClearDisconnectedSessions()
	if len(removed) > 0 {
		e.persist()
	}
	return removed
}

// persist saves a snapshot off the event path. State mutation stays
// synchronous; disk writes do not.
func (e *Engine) persist() {
	if e.cache == nil {
		return
	}
	snap := e.store.Snapshot()
	go func() {
		if err := e.cache.Save(snap); err != nil {
			e.logger.Error("failed to save state", "error", err)
		}
	}()
}

// --- conversions ---

func validSessionState(s state.SessionState) bool {
	switch s {
	case state.SessionIdle, state.SessionBusy, state.SessionWaiting, state.SessionError, state.SessionDisconnected:
		return true
	}
	return false
}

func localUserMessage(content string, images []state.Image) state.Message {
	return state.Message{
		ID:        state.NewLocalMessageID(),
		Role:      state.RoleUser,
		Content:   content,
		Images:    images,
		Timestamp: time.Now(),
	}
}

func toSession(snap protocol.SessionSnapshot) state.Session {
	sess := state.Session{
		ID:            snap.ID,
		Name:          snap.Name,
		Cwd:           snap.Cwd,
		State:         state.SessionState(snap.State),
		ExecutionMode: state.ExecutionMode(snap.ExecutionMode),
	}
	for _, m := range snap.Messages {
		sess.Messages = append(sess.Messages, toMessage(m))
	}
	return sess
}

func toMessage(m protocol.WireMessage) state.Message {
	msg := state.Message{
		ID:        state.RemoteMessageID(m.ID),
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	for _, img := range m.Images {
		msg.Images = append(msg.Images, state.Image(img))
	}
	if m.ToolUse != nil {
		msg.ToolUse = &state.ToolUse{Name: m.ToolUse.Name, Input: m.ToolUse.Input, Output: m.ToolUse.Output}
	}
	return msg
}

func toWireMessage(m state.Message) protocol.WireMessage {
	wm := protocol.WireMessage{
		ID:        m.ID.Value,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	for _, img := range m.Images {
		wm.Images = append(wm.Images, protocol.WireImage(img))
	}
	if m.ToolUse != nil {
		wm.ToolUse = &protocol.WireToolUse{Name: m.ToolUse.Name, Input: m.ToolUse.Input, Output: m.ToolUse.Output}
	}
	return wm
}

func toWireImages(images []state.Image) []protocol.WireImage {
	if len(images) == 0 {
		return nil
	}
	out := make([]protocol.WireImage, len(images))
	for i, img := range images {
		out[i] = protocol.WireImage(img)
	}
	return out
}
