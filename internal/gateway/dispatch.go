package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/waynelab/chathub/internal/chat"
	"github.com/waynelab/chathub/internal/history"
	"github.com/waynelab/chathub/internal/metrics"
	"github.com/waynelab/chathub/internal/ratelimit"
	"github.com/waynelab/chathub/internal/room"
	"github.com/waynelab/chathub/internal/wire"
)

// Dispatch routes one inbound frame from userID's session to the services.
// Errors surface as error frames on the sender's own connection; fan-out to
// the room only ever carries successful state changes.
func (g *Gateway) Dispatch(ctx context.Context, userID string, ev wire.Event) {
	g.conns.Touch(userID)

	switch ev.Name {
	case wire.EvJoinRoom:
		g.handleJoin(ctx, userID, ev.Payload)
	case wire.EvChatMessage:
		g.handleChatMessage(ctx, userID, ev.Payload)
	case wire.EvFetchPrevious:
		g.handleFetchPrevious(userID, ev.Payload)
	case wire.EvMarkRead:
		g.handleMarkRead(ctx, userID, ev.Payload)
	case wire.EvMessageReaction:
		g.handleReaction(ctx, userID, ev.Payload)
	case wire.EvTyping:
		g.handleTyping(ctx, userID, ev.Payload)
	case wire.EvUpdateUserStatus:
		g.handleStatus(ctx, userID, ev.Payload)
	case wire.EvForceLogin:
		g.handleForceLogin(userID, ev.Payload)
	default:
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "unknown event: "+ev.Name))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, userID string, raw json.RawMessage) {
	var req wire.JoinRoomRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		g.sendTo(userID, wire.NewEvent(wire.EvJoinRoomError, wire.ErrorPayload{
			Code: wire.CodeMessageError, Message: "roomId is required",
		}))
		return
	}

	participants, err := g.rooms.Join(ctx, userID, req.RoomID)
	if err != nil {
		code := wire.CodeInternal
		if errors.Is(err, room.ErrRoomNotFound) {
			code = wire.CodeAccessDenied
		}
		g.sendTo(userID, wire.NewEvent(wire.EvJoinRoomError, wire.ErrorPayload{
			Code: code, Message: err.Error(),
		}))
		return
	}

	g.sendTo(userID, wire.NewEvent(wire.EvJoinRoomSuccess, wire.JoinRoomSuccessPayload{
		RoomID:       req.RoomID,
		Participants: participants,
	}))
}

func (g *Gateway) handleChatMessage(ctx context.Context, userID string, raw json.RawMessage) {
	var req wire.ChatMessageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "malformed chatMessage payload"))
		return
	}

	if _, err := g.chat.Send(ctx, userID, req); err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrRateLimited):
			metrics.RateLimited.Inc()
			g.sendTo(userID, errorEvent(wire.CodeRateLimited, "slow down: message rate limit reached"))
		case errors.Is(err, chat.ErrNotInRoom):
			g.sendTo(userID, errorEvent(wire.CodeAccessDenied, "join the room before sending"))
		case errors.Is(err, chat.ErrEmptyMessage):
			g.sendTo(userID, errorEvent(wire.CodeMessageError, "message has no content"))
		default:
			g.logger.Error("message ingest failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			g.sendTo(userID, errorEvent(wire.CodeMessageError, "message could not be delivered"))
		}
		return
	}
	metrics.MessagesIn.Inc()
	g.touchSession(userID)
}

// handleFetchPrevious runs the load off the read pump; a slow page must not
// stall the session's inbound traffic.
func (g *Gateway) handleFetchPrevious(userID string, raw json.RawMessage) {
	var req wire.FetchPreviousRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "malformed fetchPreviousMessages payload"))
		return
	}

	var before time.Time
	if req.Before > 0 {
		before = time.UnixMilli(req.Before)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		// messageLoadStart fires only once the loader admits the request;
		// a deduplicated or denied fetch must not leave the client with a
		// dangling loading state.
		page, err := g.history.Fetch(ctx, userID, req.RoomID, before, func() {
			g.sendTo(userID, wire.NewEvent(wire.EvMessageLoadStart, wire.LoadStartPayload{RoomID: req.RoomID}))
		})
		if err != nil {
			switch {
			case errors.Is(err, history.ErrFetchInFlight):
				// Duplicate request; the first one will answer.
			case errors.Is(err, history.ErrAccessDenied):
				g.sendTo(userID, errorEvent(wire.CodeAccessDenied, "no access to this room"))
			default:
				g.sendTo(userID, errorEvent(wire.CodeLoadError, "history is unavailable, try again"))
			}
			return
		}

		g.sendTo(userID, wire.NewEvent(wire.EvPreviousMessagesLoaded, page))
	}()
}

func (g *Gateway) handleMarkRead(ctx context.Context, userID string, raw json.RawMessage) {
	var req wire.MarkReadRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "malformed markMessagesAsRead payload"))
		return
	}
	if err := g.chat.MarkRead(ctx, userID, req.RoomID, req.MessageIDs); err != nil {
		if errors.Is(err, chat.ErrNotInRoom) {
			g.sendTo(userID, errorEvent(wire.CodeAccessDenied, "join the room before marking messages"))
			return
		}
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "read receipts could not be recorded"))
	}
}

func (g *Gateway) handleReaction(ctx context.Context, userID string, raw json.RawMessage) {
	var req wire.ReactionRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.MessageID == "" || req.Reaction == "" {
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "malformed messageReaction payload"))
		return
	}
	if err := g.chat.React(ctx, userID, req); err != nil {
		if errors.Is(err, chat.ErrBadReactionOp) {
			g.sendTo(userID, errorEvent(wire.CodeMessageError, "reaction type must be add or remove"))
			return
		}
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "reaction could not be applied"))
	}
}

func (g *Gateway) handleTyping(ctx context.Context, userID string, raw json.RawMessage) {
	var req wire.TypingRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		return // typing is best-effort; malformed frames are dropped
	}
	_ = g.chat.Typing(ctx, userID, req)
}

func (g *Gateway) handleStatus(ctx context.Context, userID string, raw json.RawMessage) {
	var req wire.StatusRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "malformed updateUserStatus payload"))
		return
	}
	if err := g.chat.UpdateStatus(ctx, userID, req.Status); err != nil {
		g.sendTo(userID, errorEvent(wire.CodeMessageError, "unknown presence status"))
	}
}

// handleForceLogin ends the caller's pre-empted prior session without
// waiting out the grace period. The token must verify to the same user;
// anything else is ignored.
func (g *Gateway) handleForceLogin(userID string, raw json.RawMessage) {
	var req wire.ForceLoginRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	tokenUser, err := g.authn.VerifyToken(req.Token)
	if err != nil || tokenUser != userID {
		g.logger.Warn("force_login with mismatched token ignored",
			slog.String("user_id", userID))
		return
	}
	g.conns.ForceEnd(userID)
}
