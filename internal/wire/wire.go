// Package wire defines the framed events exchanged with clients and, via
// the bus envelope, between instances. One event name space is shared by
// local delivery and cross-instance fan-out so a bus subscriber can forward
// payloads verbatim.
package wire

import (
	"encoding/json"
	"time"

	"github.com/waynelab/chathub/internal/model"
)

// Outbound event names (server to client).
const (
	EvMessage                = "message"
	EvMessageLoadStart       = "messageLoadStart"
	EvPreviousMessagesLoaded = "previousMessagesLoaded"
	EvJoinRoomSuccess        = "joinRoomSuccess"
	EvJoinRoomError          = "joinRoomError"
	EvParticipantsUpdate     = "participantsUpdate"
	EvUserLeft               = "userLeft"
	EvUserJoined             = "userJoined"
	EvMessagesRead           = "messagesRead"
	EvMessageReactionUpdate  = "messageReactionUpdate"
	EvUserTyping             = "userTyping"
	EvUserStatusUpdate       = "userStatusUpdate"
	EvDuplicateLogin         = "duplicate_login"
	EvSessionEnded           = "session_ended"
	EvAIMessageStart         = "aiMessageStart"
	EvAIMessageChunk         = "aiMessageChunk"
	EvAIMessageComplete      = "aiMessageComplete"
	EvAIMessageError         = "aiMessageError"
	EvError                  = "error"
)

// Inbound event names (client to server).
const (
	EvJoinRoom          = "joinRoom"
	EvChatMessage       = "chatMessage"
	EvFetchPrevious     = "fetchPreviousMessages"
	EvMarkRead          = "markMessagesAsRead"
	EvMessageReaction   = "messageReaction"
	EvTyping            = "typing"
	EvUpdateUserStatus  = "updateUserStatus"
	EvForceLogin        = "force_login"
)

// Event is one framed message on the session transport.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event, encoding payload to its canonical JSON form.
// Encoding failures return an error event instead so the write pump never
// has to branch on marshal errors.
func NewEvent(name string, payload any) Event {
	if payload == nil {
		return Event{Name: name}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		fallback, _ := json.Marshal(ErrorPayload{Code: CodeInternal, Message: "encode failure"})
		return Event{Name: EvError, Payload: fallback}
	}
	return Event{Name: name, Payload: raw}
}

// Marshal returns the full frame bytes.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Error codes surfaced in error{code, message} frames.
const (
	CodeAuthError    = "AUTH_ERROR"
	CodeAccessDenied = "ACCESS_DENIED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeMessageError = "MESSAGE_ERROR"
	CodeLoadError    = "LOAD_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
)

// ErrorPayload is the wire form of a surfaced failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SenderRef is the resolved sender embedded in a message payload. Nil for
// system and AI messages.
type SenderRef struct {
	ID           string `json:"_id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// MessagePayload is the canonical wire form of a stored message.
type MessagePayload struct {
	ID        string              `json:"_id"`
	Room      string              `json:"room"`
	Sender    *SenderRef          `json:"sender"`
	Content   string              `json:"content"`
	Type      model.MessageKind   `json:"type"`
	File      *model.FileRef      `json:"file,omitempty"`
	AIType    string              `json:"aiType,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Readers   []model.Reader      `json:"readers"`
	Reactions map[string][]string `json:"reactions"`
}

// NewMessagePayload assembles the wire form from a stored message and its
// resolved sender and file references.
func NewMessagePayload(msg *model.Message, sender *model.User, file *model.FileRef) MessagePayload {
	p := MessagePayload{
		ID:        msg.ID,
		Room:      msg.RoomID,
		Content:   msg.Content,
		Type:      msg.Kind,
		File:      file,
		AIType:    msg.AIModel,
		Timestamp: msg.CreatedAt,
		Readers:   msg.Readers,
		Reactions: msg.Reactions,
	}
	if p.Readers == nil {
		p.Readers = []model.Reader{}
	}
	if p.Reactions == nil {
		p.Reactions = map[string][]string{}
	}
	if sender != nil {
		p.Sender = &SenderRef{
			ID:           sender.ID,
			Name:         sender.Name,
			Email:        sender.Email,
			ProfileImage: sender.ProfileImage,
		}
	}
	return p
}

// DuplicateLoginPayload warns an incumbent session that a newer session for
// the same user has authenticated elsewhere.
type DuplicateLoginPayload struct {
	DeviceInfo string    `json:"deviceInfo"`
	IPAddress  string    `json:"ipAddress"`
	UserAgent  string    `json:"userAgent"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session termination reasons.
const (
	ReasonDuplicateLogin  = "duplicate_login"
	ReasonForceLogout     = "force_logout"
	ReasonServerShutdown  = "server_shutdown"
	ReasonConnectionLimit = "connection_limit"
)

// SessionEndedPayload is the final frame a terminated session observes.
type SessionEndedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// ParticipantsUpdatePayload carries the room's resolved participant list.
type ParticipantsUpdatePayload struct {
	RoomID       string       `json:"roomId"`
	Participants []model.User `json:"participants"`
}

// UserEventPayload announces a join or leave.
type UserEventPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// JoinRoomSuccessPayload acknowledges a join with initial state.
type JoinRoomSuccessPayload struct {
	RoomID       string       `json:"roomId"`
	Participants []model.User `json:"participants"`
}

// MessagesReadPayload notifies room peers of a bulk read receipt.
type MessagesReadPayload struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

// ReactionUpdatePayload carries the full reaction state after a change.
type ReactionUpdatePayload struct {
	MessageID string              `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

// TypingPayload relays a typing indicator to room peers.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// StatusPayload relays a presence change to room peers.
type StatusPayload struct {
	UserID string           `json:"userId"`
	Status model.UserStatus `json:"status"`
}

// AIStartPayload opens a streaming AI response.
type AIStartPayload struct {
	StreamID  string    `json:"sid"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// AIChunkPayload carries one generated chunk plus the accumulated content,
// so late receivers can render without replaying earlier chunks.
type AIChunkPayload struct {
	StreamID    string `json:"sid"`
	Chunk       string `json:"chunk"`
	FullContent string `json:"fullContent"`
}

// AICompletePayload finalises a stream into a stored message.
type AICompletePayload struct {
	StreamID string         `json:"sid"`
	Message  MessagePayload `json:"message"`
}

// AIErrorPayload terminates a stream on generator failure.
type AIErrorPayload struct {
	StreamID string `json:"sid"`
}

// HistoryPagePayload answers fetchPreviousMessages.
type HistoryPagePayload struct {
	RoomID          string           `json:"roomId"`
	Messages        []MessagePayload `json:"messages"`
	HasMore         bool             `json:"hasMore"`
	OldestTimestamp *time.Time       `json:"oldestTimestamp,omitempty"`
}

// LoadStartPayload precedes a history page.
type LoadStartPayload struct {
	RoomID string `json:"roomId"`
}

// Inbound payloads.

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type ChatMessageRequest struct {
	Room     string            `json:"room"`
	Content  string            `json:"content"`
	Type     model.MessageKind `json:"type,omitempty"`
	FileData string            `json:"fileData,omitempty"` // file reference id
}

type FetchPreviousRequest struct {
	RoomID string `json:"roomId"`
	Before int64  `json:"before,omitempty"` // unix millis; zero = latest
}

type MarkReadRequest struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
	Type      string `json:"type"` // add | remove
}

type TypingRequest struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type StatusRequest struct {
	Status model.UserStatus `json:"status"`
}

type ForceLoginRequest struct {
	Token string `json:"token"`
}

// Handshake is the first frame of a session.
type Handshake struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}
