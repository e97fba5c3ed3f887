// Package dispatch turns user intents into outbound command frames. Every
// builder is stateless: it assembles a frame and hands it to the link, and
// any resulting state change arrives later as an inbound event.
package dispatch

import "VibeSync/internal/protocol"

// Sender is the outbound surface of the transport link.
type Sender interface {
	Send(v any) error
}

// Dispatcher builds and sends command frames.
type Dispatcher struct {
	sender Sender
}

// New creates a dispatcher over a send surface.
func New(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// ListSessions requests the authoritative session list.
func (d *Dispatcher) ListSessions() error {
	return d.sender.Send(protocol.ListSessionsRequest{Type: protocol.TypeListSessions})
}

// CreateSession provisions a new remote agent process.
func (d *Dispatcher) CreateSession(name, cwd, prompt string, mode string) error {
	return d.sender.Send(protocol.CreateSessionRequest{
		Type:          protocol.TypeCreateSession,
		Name:          name,
		Cwd:           cwd,
		Prompt:        prompt,
		ExecutionMode: mode,
	})
}

// Chat sends one user instruction to a session.
func (d *Dispatcher) Chat(sessionID, content string) error {
	return d.sender.Send(protocol.ChatRequest{
		Type:      protocol.TypeChat,
		SessionID: sessionID,
		Content:   content,
	})
}

// DirectChat sends one turn of a tool-free conversation with its history.
func (d *Dispatcher) DirectChat(conversationID, content string, history []protocol.WireMessage, images []protocol.WireImage) error {
	return d.sender.Send(protocol.DirectChatRequest{
		Type:           protocol.TypeDirectChat,
		ConversationID: conversationID,
		Content:        content,
		History:        history,
		Images:         images,
	})
}

// Interrupt asks a session to stop. No local state changes until the
// backend reports the transition.
func (d *Dispatcher) Interrupt(sessionID string) error {
	return d.sender.Send(protocol.InterruptRequest{
		Type:      protocol.TypeInterrupt,
		SessionID: sessionID,
	})
}

// Subscribe opts into a session's event stream.
func (d *Dispatcher) Subscribe(sessionID string) error {
	return d.sender.Send(protocol.SubscribeRequest{
		Type:      protocol.TypeSubscribe,
		SessionID: sessionID,
	})
}

// SetExecutionMode moves a session between local and remote execution.
func (d *Dispatcher) SetExecutionMode(sessionID, mode string) error {
	return d.sender.Send(protocol.SetExecutionModeRequest{
		Type:          protocol.TypeSetExecutionMode,
		SessionID:     sessionID,
		ExecutionMode: mode,
	})
}

// CloseSession terminates a session's remote process.
func (d *Dispatcher) CloseSession(sessionID string) error {
	return d.sender.Send(protocol.CloseSessionRequest{
		Type:      protocol.TypeCloseSession,
		SessionID: sessionID,
	})
}
