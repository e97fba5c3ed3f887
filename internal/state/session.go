package state

import "time"

// SessionState is the lifecycle state of one remote agent process.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionBusy         SessionState = "busy"
	SessionWaiting      SessionState = "waiting"
	SessionError        SessionState = "error"
	SessionDisconnected SessionState = "disconnected"
)

// ExecutionMode says where the agent process runs.
type ExecutionMode string

const (
	ModeLocal  ExecutionMode = "local"
	ModeRemote ExecutionMode = "remote"
)

// QueuedMessage is user input accepted while its session was busy, held for
// later FIFO delivery.
type QueuedMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session mirrors one independently running remote agent process. The
// server is the source of truth for State and Messages; QueuedMessages is
// local user intent and survives resyncs.
type Session struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	State          SessionState    `json:"state"`
	ExecutionMode  ExecutionMode   `json:"executionMode"`
	Messages       []Message       `json:"messages"`
	QueuedMessages []QueuedMessage `json:"queuedMessages,omitempty"`
	BusyStartedAt  *time.Time      `json:"busyStartedAt,omitempty"`
}

// applyState runs the state machine transition. A repeated busy event must
// not reset the elapsed timer; every transition out of busy clears it.
func (s *Session) applyState(next SessionState, now time.Time) {
	if next == SessionBusy {
		if s.State != SessionBusy {
			t := now
			s.BusyStartedAt = &t
		}
	} else {
		s.BusyStartedAt = nil
	}
	s.State = next
}
