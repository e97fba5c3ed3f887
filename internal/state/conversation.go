package state

// ConversationState is the lifecycle state of a direct chat. There is no
// remote process behind a conversation, so it never waits or disconnects.
type ConversationState string

const (
	ConversationIdle  ConversationState = "idle"
	ConversationBusy  ConversationState = "busy"
	ConversationError ConversationState = "error"
)

// Conversation is the lightweight peer of Session for tool-free direct
// chat. Its id is minted client-side because no remote process is
// provisioned, and its lifetime is owned by the widget that created it.
type Conversation struct {
	ID       string            `json:"id"`
	State    ConversationState `json:"state"`
	Messages []Message         `json:"messages"`
}
