// Package cache persists client state to a local SQLite database so a
// reload comes back with its widgets, sessions (history and queues),
// conversations, name history, and saved working directories intact. The
// live connection flag is deliberately never stored.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"VibeSync/internal/state"

	_ "github.com/mattn/go-sqlite3"
)

// Cache is a handle on the local state database.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the state database at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT,
			cwd TEXT,
			state TEXT,
			execution_mode TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			owner_kind TEXT,
			owner_id TEXT,
			position INTEGER,
			id TEXT,
			local INTEGER,
			role TEXT,
			content TEXT,
			timestamp DATETIME,
			extras TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS queued_messages (
			session_id TEXT,
			position INTEGER,
			id TEXT,
			content TEXT,
			timestamp DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			state TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS widgets (
			id TEXT PRIMARY KEY,
			type TEXT,
			session_id TEXT,
			conversation_id TEXT,
			custom_name TEXT,
			minimized INTEGER,
			show_streaming INTEGER,
			slot INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS name_history (
			position INTEGER,
			name TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS cwd_configs (
			name TEXT PRIMARY KEY,
			cwd TEXT
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Cache{db: db, logger: logger}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// messageExtras holds the optional message fields serialized as one JSON
// column.
type messageExtras struct {
	Images  []state.Image  `json:"images,omitempty"`
	ToolUse *state.ToolUse `json:"toolUse,omitempty"`
}

// Save replaces the stored snapshot wholesale inside one transaction.
func (c *Cache) Save(snap state.Snapshot) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"sessions", "messages", "queued_messages", "conversations", "widgets", "name_history", "cwd_configs"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, sess := range snap.Sessions {
		_, err := tx.Exec(
			"INSERT INTO sessions (id, name, cwd, state, execution_mode) VALUES (?, ?, ?, ?, ?)",
			sess.ID, sess.Name, sess.Cwd, string(sess.State), string(sess.ExecutionMode),
		)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		if err := insertMessages(tx, "session", sess.ID, sess.Messages); err != nil {
			return err
		}
		for i, q := range sess.QueuedMessages {
			_, err := tx.Exec(
				"INSERT INTO queued_messages (session_id, position, id, content, timestamp) VALUES (?, ?, ?, ?, ?)",
				sess.ID, i, q.ID, q.Content, q.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("failed to save queued message: %w", err)
			}
		}
	}

	for _, conv := range snap.Conversations {
		_, err := tx.Exec("INSERT INTO conversations (id, state) VALUES (?, ?)", conv.ID, string(conv.State))
		if err != nil {
			return fmt.Errorf("failed to save conversation: %w", err)
		}
		if err := insertMessages(tx, "conversation", conv.ID, conv.Messages); err != nil {
			return err
		}
	}

	for _, w := range snap.Widgets {
		_, err := tx.Exec(
			"INSERT INTO widgets (id, type, session_id, conversation_id, custom_name, minimized, show_streaming, slot) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			w.ID, string(w.Type), w.SessionID, w.ConversationID, w.CustomName, w.Minimized, w.ShowStreaming, w.Slot,
		)
		if err != nil {
			return fmt.Errorf("failed to save widget: %w", err)
		}
	}

	for i, name := range snap.NameHistory {
		if _, err := tx.Exec("INSERT INTO name_history (position, name) VALUES (?, ?)", i, name); err != nil {
			return fmt.Errorf("failed to save name history: %w", err)
		}
	}
	for name, cwd := range snap.CwdConfigs {
		if _, err := tx.Exec("INSERT INTO cwd_configs (name, cwd) VALUES (?, ?)", name, cwd); err != nil {
			return fmt.Errorf("failed to save cwd config: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.logger.Debug("state saved",
		"sessions", len(snap.Sessions),
		"conversations", len(snap.Conversations),
		"widgets", len(snap.Widgets))
	return nil
}

func insertMessages(tx *sql.Tx, ownerKind, ownerID string, msgs []state.Message) error {
	for i, m := range msgs {
		extras := ""
		if len(m.Images) > 0 || m.ToolUse != nil {
			raw, err := json.Marshal(messageExtras{Images: m.Images, ToolUse: m.ToolUse})
			if err != nil {
				return fmt.Errorf("failed to marshal message extras: %w", err)
			}
			extras = string(raw)
		}
		_, err := tx.Exec(
			"INSERT INTO messages (owner_kind, owner_id, position, id, local, role, content, timestamp, extras) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			ownerKind, ownerID, i, m.ID.Value, m.ID.Local, m.Role, m.Content, m.Timestamp, extras,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}
	return nil
}

// Load reads the stored snapshot. An empty database yields an empty
// snapshot, not an error.
func (c *Cache) Load() (state.Snapshot, error) {
	snap := state.Snapshot{CwdConfigs: make(map[string]string)}

	sessionMsgs, convMsgs, err := c.loadMessages()
	if err != nil {
		return snap, err
	}
	queues, err := c.loadQueues()
	if err != nil {
		return snap, err
	}

	rows, err := c.db.Query("SELECT id, name, cwd, state, execution_mode FROM sessions ORDER BY id")
	if err != nil {
		return snap, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sess state.Session
		var st, mode string
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Cwd, &st, &mode); err != nil {
			return snap, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.State = state.SessionState(st)
		sess.ExecutionMode = state.ExecutionMode(mode)
		sess.Messages = sessionMsgs[sess.ID]
		sess.QueuedMessages = queues[sess.ID]
		snap.Sessions = append(snap.Sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	convRows, err := c.db.Query("SELECT id, state FROM conversations ORDER BY id")
	if err != nil {
		return snap, fmt.Errorf("failed to load conversations: %w", err)
	}
	defer convRows.Close()
	for convRows.Next() {
		var conv state.Conversation
		var st string
		if err := convRows.Scan(&conv.ID, &st); err != nil {
			return snap, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.State = state.ConversationState(st)
		conv.Messages = convMsgs[conv.ID]
		snap.Conversations = append(snap.Conversations, conv)
	}
	if err := convRows.Err(); err != nil {
		return snap, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	widgetRows, err := c.db.Query("SELECT id, type, session_id, conversation_id, custom_name, minimized, show_streaming, slot FROM widgets ORDER BY slot")
	if err != nil {
		return snap, fmt.Errorf("failed to load widgets: %w", err)
	}
	defer widgetRows.Close()
	for widgetRows.Next() {
		var w state.Widget
		var typ string
		if err := widgetRows.Scan(&w.ID, &typ, &w.SessionID, &w.ConversationID, &w.CustomName, &w.Minimized, &w.ShowStreaming, &w.Slot); err != nil {
			return snap, fmt.Errorf("failed to scan widget: %w", err)
		}
		w.Type = state.WidgetType(typ)
		snap.Widgets = append(snap.Widgets, w)
	}
	if err := widgetRows.Err(); err != nil {
		return snap, fmt.Errorf("failed to iterate widgets: %w", err)
	}

	nameRows, err := c.db.Query("SELECT name FROM name_history ORDER BY position")
	if err != nil {
		return snap, fmt.Errorf("failed to load name history: %w", err)
	}
	defer nameRows.Close()
	for nameRows.Next() {
		var name string
		if err := nameRows.Scan(&name); err != nil {
			return snap, fmt.Errorf("failed to scan name: %w", err)
		}
		snap.NameHistory = append(snap.NameHistory, name)
	}
	if err := nameRows.Err(); err != nil {
		return snap, fmt.Errorf("failed to iterate name history: %w", err)
	}

	cwdRows, err := c.db.Query("SELECT name, cwd FROM cwd_configs")
	if err != nil {
		return snap, fmt.Errorf("failed to load cwd configs: %w", err)
	}
	defer cwdRows.Close()
	for cwdRows.Next() {
		var name, cwd string
		if err := cwdRows.Scan(&name, &cwd); err != nil {
			return snap, fmt.Errorf("failed to scan cwd config: %w", err)
		}
		snap.CwdConfigs[name] = cwd
	}
	if err := cwdRows.Err(); err != nil {
		return snap, fmt.Errorf("failed to iterate cwd configs: %w", err)
	}

	return snap, nil
}

func (c *Cache) loadMessages() (map[string][]state.Message, map[string][]state.Message, error) {
	rows, err := c.db.Query("SELECT owner_kind, owner_id, id, local, role, content, timestamp, extras FROM messages ORDER BY owner_id, position")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string][]state.Message)
	conversations := make(map[string][]state.Message)
	for rows.Next() {
		var ownerKind, ownerID, extras string
		var m state.Message
		var ts time.Time
		if err := rows.Scan(&ownerKind, &ownerID, &m.ID.Value, &m.ID.Local, &m.Role, &m.Content, &ts, &extras); err != nil {
			return nil, nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = ts
		if extras != "" {
			var ex messageExtras
			if err := json.Unmarshal([]byte(extras), &ex); err != nil {
				c.logger.Warn("dropping unreadable message extras", "message_id", m.ID.Value, "error", err)
			} else {
				m.Images = ex.Images
				m.ToolUse = ex.ToolUse
			}
		}
		if ownerKind == "session" {
			sessions[ownerID] = append(sessions[ownerID], m)
		} else {
			conversations[ownerID] = append(conversations[ownerID], m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return sessions, conversations, nil
}

func (c *Cache) loadQueues() (map[string][]state.QueuedMessage, error) {
	rows, err := c.db.Query("SELECT session_id, id, content, timestamp FROM queued_messages ORDER BY session_id, position")
	if err != nil {
		return nil, fmt.Errorf("failed to load queued messages: %w", err)
	}
	defer rows.Close()

	queues := make(map[string][]state.QueuedMessage)
	for rows.Next() {
		var sessionID string
		var q state.QueuedMessage
		if err := rows.Scan(&sessionID, &q.ID, &q.Content, &q.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		queues[sessionID] = append(queues[sessionID], q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queued messages: %w", err)
	}
	return queues, nil
}
