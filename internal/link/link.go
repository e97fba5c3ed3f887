// Package link owns the single socket connection to the backend: connect,
// keepalive, fixed-delay reconnect, and a typed send/receive surface.
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"VibeSync/internal/protocol"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send while the socket is down. Callers
// treat it as "try again later", never as fatal.
var ErrNotConnected = errors.New("link: not connected")

// Handler receives the link's routed events. Connected fires after the
// socket opens and the authoritative session list has been requested;
// Disconnected fires on any close so the handler can bulk-mark sessions.
type Handler interface {
	HandleEvent(ev protocol.Event)
	Connected()
	Disconnected()
}

// Link maintains one websocket per client instance.
type Link struct {
	url     string
	delay   time.Duration
	logger  *slog.Logger
	handler Handler
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	retry  *time.Timer
	closed bool
}

// New creates a link. SetHandler must be called before Connect.
func New(url string, reconnectDelay time.Duration, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		url:    url,
		delay:  reconnectDelay,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

// SetHandler wires the event consumer.
func (l *Link) SetHandler(h Handler) {
	l.handler = h
}

// Connect dials the backend, starts the read loop, and immediately requests
// the session list so the registry is rebuilt from the source of truth. A
// failed dial schedules the same single reconnect a dropped connection
// would.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("link: closed")
	}
	if l.conn != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	conn, _, err := l.dialer.Dial(l.url, nil)
	if err != nil {
		l.logger.Warn("connect failed", "url", l.url, "error", err)
		l.scheduleReconnect()
		return fmt.Errorf("failed to connect to %s: %w", l.url, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.logger.Info("connected", "url", l.url)
	go l.readLoop(conn)

	l.handler.Connected()
	if err := l.Send(protocol.ListSessionsRequest{Type: protocol.TypeListSessions}); err != nil {
		l.logger.Warn("failed to request session list", "error", err)
	}
	return nil
}

// Send writes one frame. Sending never blocks on a response; replies arrive
// later as independent events correlated only by embedded ids.
func (l *Link) Send(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	if err := l.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close tears the link down and cancels any scheduled reconnect.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	l.logger.Info("link closed")
	return nil
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			l.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if ev.Type == protocol.TypePing {
			if err := l.Send(protocol.PongRequest{Type: protocol.TypePong}); err != nil {
				l.logger.Warn("failed to answer ping", "error", err)
			}
			continue
		}
		l.handler.HandleEvent(ev)
	}
	l.connectionLost(conn)
}

// connectionLost handles any close, expected or not: the handler bulk-marks
// sessions disconnected and exactly one reconnect attempt is scheduled.
func (l *Link) connectionLost(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	closed := l.closed
	l.mu.Unlock()

	l.handler.Disconnected()
	if closed {
		return
	}
	l.logger.Warn("connection lost", "url", l.url, "retry_in", l.delay)
	l.scheduleReconnect()
}

func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.retry != nil {
		return
	}
	l.retry = time.AfterFunc(l.delay, func() {
		l.mu.Lock()
		l.retry = nil
		l.mu.Unlock()
		if err := l.Connect(); err != nil {
			l.logger.Warn("reconnect failed", "error", err)
		}
	})
}
