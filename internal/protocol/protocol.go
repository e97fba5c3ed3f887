// Package protocol defines the JSON frames exchanged over the single
// socket between the client and the backend. Every frame carries a "type"
// discriminant; inbound frames with an unrecognized type must be ignored so
// new server event types never break old clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Outbound command frame types.
const (
	TypeListSessions     = "list_sessions"
	TypeCreateSession    = "create_session"
	TypeChat             = "chat"
	TypeDirectChat       = "direct_chat"
	TypeInterrupt        = "interrupt"
	TypeSubscribe        = "subscribe"
	TypeSetExecutionMode = "set_execution_mode"
	TypeCloseSession     = "close_session"
	TypePong             = "pong"
)

// Inbound event frame types.
const (
	TypePing                = "ping"
	TypeSessionList         = "session_list"
	TypeSessionCreated      = "session_created"
	TypeSessionState        = "session_state"
	TypeSessionMessage      = "session_message"
	TypeConversationMessage = "conversation_message"
	TypeSessionClosed       = "session_closed"
	TypeSessionCreateFailed = "session_create_failed"
)

// ListSessionsRequest asks the backend for its authoritative session list.
type ListSessionsRequest struct {
	Type string `json:"type"`
}

// CreateSessionRequest provisions a new remote agent process.
type CreateSessionRequest struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	Cwd           string `json:"cwd,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ExecutionMode string `json:"executionMode"`
}

// ChatRequest sends one user instruction to a session.
type ChatRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// DirectChatRequest sends one turn of a tool-free conversation. The client
// carries the history because no server-side process exists for it.
type DirectChatRequest struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	Content        string        `json:"content"`
	History        []WireMessage `json:"history"`
	Images         []WireImage   `json:"images,omitempty"`
}

// InterruptRequest asks a busy session to stop. Fire and forget: the state
// transition only happens when the matching inbound event arrives.
type InterruptRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SubscribeRequest opts into a session's event stream.
type SubscribeRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SetExecutionModeRequest moves a session between local and remote
// execution.
type SetExecutionModeRequest struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	ExecutionMode string `json:"executionMode"`
}

// CloseSessionRequest terminates a session's remote process.
type CloseSessionRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// PongRequest answers a server ping. No payload.
type PongRequest struct {
	Type string `json:"type"`
}

// WireImage is an image attachment as it travels on the wire.
type WireImage struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	MediaType string `json:"mediaType"`
	Name      string `json:"name,omitempty"`
}

// WireToolUse marks a wire message as a tool invocation.
type WireToolUse struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
}

// WireMessage is a message as the backend sends it. Ids on the wire are
// always server-assigned; the backend re-sends the same id with ever more
// complete content while output streams, and sets Done on the final
// revision.
type WireMessage struct {
	ID        string       `json:"id"`
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	Images    []WireImage  `json:"images,omitempty"`
	ToolUse   *WireToolUse `json:"toolUse,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Done      bool         `json:"done,omitempty"`
}

// SessionSnapshot is the server's view of one session.
type SessionSnapshot struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	State         string        `json:"state"`
	ExecutionMode string        `json:"executionMode"`
	Cwd           string        `json:"cwd,omitempty"`
	Messages      []WireMessage `json:"messages,omitempty"`
}

// Event is the envelope for every inbound frame. Fields beyond Type are
// populated per frame type; decoding never rejects unknown types.
type Event struct {
	Type           string            `json:"type"`
	SessionID      string            `json:"sessionId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	State          string            `json:"state,omitempty"`
	Name           string            `json:"name,omitempty"`
	Error          string            `json:"error,omitempty"`
	Session        *SessionSnapshot  `json:"session,omitempty"`
	Sessions       []SessionSnapshot `json:"sessions,omitempty"`
	Message        *WireMessage      `json:"message,omitempty"`
}

// DecodeEvent parses one inbound frame. A parse error means the frame is
// malformed and should be logged and dropped by the caller.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
