package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/waynelab/chathub/internal/auth"
	"github.com/waynelab/chathub/internal/connection"
	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/wire"
)

const handshakeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator validates the opening handshake.
type Authenticator interface {
	Authenticate(ctx context.Context, token, sessionID string) (*model.User, *model.Session, error)
}

// SessionController receives the session lifecycle and inbound traffic.
// Implemented by the gateway.
type SessionController interface {
	OpenSession(ctx context.Context, user *model.User, sess *model.Session, conn connection.Conn, meta connection.Meta)
	Dispatch(ctx context.Context, userID string, ev wire.Event)
	CloseSession(ctx context.Context, userID string, conn connection.Conn)
}

// Handler upgrades /ws requests into chat sessions. The first frame must be
// a handshake carrying token and sessionId; everything after it is the
// event protocol.
func Handler(authn Authenticator, controller SessionController, sendBuf int, log *logger.Logger) gin.HandlerFunc {
	wsLog := log.WithComponent("ws")

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			wsLog.Warn("upgrade failed", slog.String("error", err.Error()))
			return
		}

		conn.SetReadLimit(maxFrame)
		conn.SetReadDeadline(time.Now().Add(handshakeWait))

		var hs wire.Handshake
		if err := conn.ReadJSON(&hs); err != nil {
			rejectAndClose(conn, wire.CodeAuthError, "handshake expected")
			return
		}

		ctx := c.Request.Context()
		user, sess, err := authn.Authenticate(ctx, hs.Token, hs.SessionID)
		if err != nil {
			wsLog.Info("handshake rejected", slog.String("error", err.Error()))
			rejectAndClose(conn, wire.CodeAuthError, authFailureMessage(err))
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		session := newSession(conn, user.ID, sendBuf, wsLog)
		go session.writeLoop()

		meta := connection.Meta{
			UserAgent:  c.Request.UserAgent(),
			IPAddress:  c.ClientIP(),
			DeviceInfo: c.Request.Header.Get("X-Device-Info"),
		}
		controller.OpenSession(ctx, user, sess, session, meta)

		sessionCtx := logger.WithUserID(context.Background(), user.ID)
		readLoop(sessionCtx, conn, session, user.ID, controller, wsLog)
	}
}

// readLoop decodes inbound frames and hands them to the controller until
// the socket dies or the session is closed.
func readLoop(ctx context.Context, conn *websocket.Conn, session *Session, userID string, controller SessionController, log *logger.Logger) {
	defer controller.CloseSession(ctx, userID, session)

	for {
		if !session.Alive() {
			return
		}

		var ev wire.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read failed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()))
			}
			return
		}
		if ev.Name == "" {
			session.Send(wire.NewEvent(wire.EvError, wire.ErrorPayload{
				Code:    wire.CodeMessageError,
				Message: "frame has no event name",
			}))
			continue
		}

		controller.Dispatch(ctx, userID, ev)
	}
}

// rejectAndClose writes one error frame and closes the raw socket. Used
// before the session pumps exist.
func rejectAndClose(conn *websocket.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(wire.NewEvent(wire.EvError, wire.ErrorPayload{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
	conn.Close()
}

func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrInvalidSession):
		return "invalid session"
	case errors.Is(err, auth.ErrUserNotFound):
		return "unknown user"
	default:
		return "authentication failed"
	}
}
