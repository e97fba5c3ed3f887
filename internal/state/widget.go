package state

// WidgetType distinguishes the two kinds of dashboard slots.
type WidgetType string

const (
	WidgetSession WidgetType = "session"
	WidgetChat    WidgetType = "chat"
)

// widgetGridCols is the width of the deterministic packing grid.
const widgetGridCols = 3

// Widget is a dashboard placement bound to at most one session or
// conversation. A widget never owns its session's lifetime; it does own its
// conversation's.
type Widget struct {
	ID             string     `json:"id"`
	Type           WidgetType `json:"type"`
	SessionID      string     `json:"sessionId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	CustomName     string     `json:"customName,omitempty"`
	Minimized      bool       `json:"minimized,omitempty"`
	ShowStreaming  bool       `json:"showStreaming,omitempty"`
	Slot           int        `json:"slot"`
}

// Position resolves the widget's slot into grid coordinates.
func (w Widget) Position() (col, row int) {
	return w.Slot % widgetGridCols, w.Slot / widgetGridCols
}
