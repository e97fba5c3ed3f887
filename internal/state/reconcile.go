package state

import "time"

// echoWindow is how close in time a server echo of an optimistically
// inserted user message is expected to arrive.
const echoWindow = 5 * time.Second

// reconcile merges an incoming message into a message list.
//
// A remote user message whose content matches an existing user message
// within echoWindow is the server's echo of an optimistic insert and is
// discarded. Otherwise a message with a known id replaces the prior entry
// in place (streamed assistant output grows this way), and an unknown id
// appends. Relative order of first-seen ids is never disturbed.
func reconcile(list []Message, incoming Message) []Message {
	if incoming.Role == RoleUser && !incoming.ID.Local {
		for _, m := range list {
			if m.Role == RoleUser && m.Content == incoming.Content && within(m.Timestamp, incoming.Timestamp, echoWindow) {
				return list
			}
		}
	}
	for i, m := range list {
		if m.ID == incoming.ID {
			list[i] = incoming
			return list
		}
	}
	return append(list, incoming)
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
