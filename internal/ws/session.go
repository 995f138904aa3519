// Package ws is the websocket session transport: upgrade, first-frame
// handshake, a read pump dispatching inbound events and a write pump
// serialising outbound frames per connection.
package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 64 * 1024
)

// Session is one live websocket connection. It satisfies the connection
// registry's Conn contract: Send queues without blocking and Close is
// idempotent.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	sendCh chan wire.Event

	closeOnce sync.Once
	done      chan struct{}
	logger    *logger.Logger
}

// newSession wraps an upgraded connection. bufSize is the outbound queue
// depth; a slow client that falls behind loses frames rather than stalling
// the room.
func newSession(conn *websocket.Conn, userID string, bufSize int, log *logger.Logger) *Session {
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		sendCh: make(chan wire.Event, bufSize),
		done:   make(chan struct{}),
		logger: log,
	}
}

// ID returns the connection's unique id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user for this session.
func (s *Session) UserID() string { return s.userID }

// Send queues ev for delivery. It never blocks; a full queue drops the
// frame and reports false.
func (s *Session) Send(ev wire.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendCh <- ev:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("send queue full, dropping frame",
			slog.String("conn_id", s.id),
			slog.String("user_id", s.userID),
			slog.String("event", ev.Name))
		return false
	}
}

// Close terminates the session. Safe to call from any goroutine, any number
// of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Alive reports whether the session is still open.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// writeLoop drains the send queue onto the socket and keeps the connection
// alive with pings. It owns all writes; exiting closes the socket.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed",
					slog.String("conn_id", s.id),
					slog.String("error", err.Error()))
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			// Flush whatever is already queued; the session_ended frame is
			// usually the last of it.
			for {
				select {
				case ev := <-s.sendCh:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if s.conn.WriteJSON(ev) != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
