package state

import (
	"time"

	"github.com/google/uuid"
)

// Message roles as they appear on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MessageID identifies a message within one session or conversation.
// Server-assigned ids carry Local=false; ids minted for optimistic inserts
// carry Local=true so the reconciler can tell an echo from an original
// without sniffing string prefixes.
type MessageID struct {
	Value string `json:"value"`
	Local bool   `json:"local,omitempty"`
}

// NewLocalMessageID mints an id for a locally originated message.
func NewLocalMessageID() MessageID {
	return MessageID{Value: uuid.New().String(), Local: true}
}

// RemoteMessageID wraps a server-assigned id.
func RemoteMessageID(value string) MessageID {
	return MessageID{Value: value}
}

// Image is an inline attachment on a message.
type Image struct {
	ID        string `json:"id"`
	Data      string `json:"data"` // base64-encoded bytes
	MediaType string `json:"mediaType"`
	Name      string `json:"name,omitempty"`
}

// ToolUse marks a message as a tool invocation rather than prose.
type ToolUse struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
}

// Message is one unit of conversation content. Content may be revised in
// place by the reconciler while the backend streams a growing payload under
// the same id.
type Message struct {
	ID        MessageID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Images    []Image   `json:"images,omitempty"`
	ToolUse   *ToolUse  `json:"toolUse,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
