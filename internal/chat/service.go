// Package chat handles message ingest and the per-message interactions that
// follow it: fan-out, read receipts, reactions, typing and presence relay,
// and handing @-mentions off to the AI coordinator.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/store"
	"github.com/waynelab/chathub/internal/wire"
)

var (
	ErrNotInRoom     = errors.New("sender is not in this room")
	ErrEmptyMessage  = errors.New("message has no content")
	ErrBadReactionOp = errors.New("reaction op must be add or remove")
	ErrBadStatus     = errors.New("unknown presence status")
)

// Broadcaster delivers an event to every session in a room, optionally
// excluding users.
type Broadcaster interface {
	BroadcastRoom(roomID string, ev wire.Event, exclude ...string)
}

// RateLimiter gates message ingest per user.
type RateLimiter interface {
	Check(ctx context.Context, userID string) error
}

// Membership answers which room a user currently occupies.
type Membership interface {
	CurrentRoom(userID string) (string, bool)
}

// UserResolver resolves sender records.
type UserResolver interface {
	ResolveUser(ctx context.Context, id string) (*model.User, error)
}

// AISpawner starts a streaming AI response in a room. Implemented by the
// aistream coordinator; a no-op implementation disables AI replies.
type AISpawner interface {
	Start(roomID, userID, modelName, query string)
}

// Service is the message ingest pipeline.
type Service struct {
	messages   store.MessageRepo
	files      store.FileRepo
	users      UserResolver
	cache      store.Cache
	caster     Broadcaster
	limiter    RateLimiter
	membership Membership
	spawner    AISpawner

	aiModels []string
	pageSize int
	clock    store.Clock
	logger   *logger.Logger
}

// NewService wires the ingest pipeline. aiModels are the mentionable model
// names, matched as "@<name>" in message content.
func NewService(messages store.MessageRepo, files store.FileRepo, users UserResolver, cache store.Cache, caster Broadcaster, limiter RateLimiter, membership Membership, spawner AISpawner, aiModels []string, pageSize int, clock store.Clock, log *logger.Logger) *Service {
	return &Service{
		messages:   messages,
		files:      files,
		users:      users,
		cache:      cache,
		caster:     caster,
		limiter:    limiter,
		membership: membership,
		spawner:    spawner,
		aiModels:   aiModels,
		pageSize:   pageSize,
		clock:      clock,
		logger:     log.WithComponent("chat"),
	}
}

// Send validates, rate-limits, persists and fans out one inbound message.
// The stored message is broadcast to the whole room, sender included, so
// every client renders the same canonical record. Mentioned AI models each
// get a streaming reply spawned with the mention stripped from the query.
func (s *Service) Send(ctx context.Context, userID string, req wire.ChatMessageRequest) (*wire.MessagePayload, error) {
	roomID := req.Room
	if current, ok := s.membership.CurrentRoom(userID); !ok || current != roomID {
		return nil, ErrNotInRoom
	}

	content := strings.TrimSpace(req.Content)
	if content == "" && req.FileData == "" {
		return nil, ErrEmptyMessage
	}

	if err := s.limiter.Check(ctx, userID); err != nil {
		return nil, err
	}

	kind := req.Type
	if kind == "" {
		kind = model.KindText
	}
	if req.FileData != "" {
		kind = model.KindFile
	}

	msg := &model.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  userID,
		Content:   content,
		Kind:      kind,
		FileID:    req.FileData,
		CreatedAt: s.clock.Now(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	sender, err := s.users.ResolveUser(ctx, userID)
	if err != nil {
		s.logger.Warn("sender resolution failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	var file *model.FileRef
	if msg.FileID != "" {
		if f, ferr := s.files.Get(ctx, msg.FileID); ferr == nil {
			file = f
		}
	}

	payload := wire.NewMessagePayload(msg, sender, file)
	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvMessage, payload))

	// The newest cached page is stale the moment a message lands.
	if err := s.cache.Delete(ctx, store.HistoryLatestKey(roomID, s.pageSize)); err != nil {
		s.logger.Warn("history invalidation failed", slog.String("room_id", roomID), slog.String("error", err.Error()))
	}

	if s.spawner != nil && kind == model.KindText {
		for _, m := range detectMentions(content, s.aiModels) {
			s.spawner.Start(roomID, userID, m, stripMention(content, m))
		}
	}

	return &payload, nil
}

// MarkRead records read receipts for ids on behalf of userID and notifies
// room peers. Receipts are conditional in the repository, so repeated calls
// settle on one receipt per (message, user).
func (s *Service) MarkRead(ctx context.Context, userID, roomID string, ids []string) error {
	if current, ok := s.membership.CurrentRoom(userID); !ok || current != roomID {
		return ErrNotInRoom
	}
	if len(ids) == 0 {
		return nil
	}

	now := s.clock.Now()
	marked := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := s.messages.AddReader(ctx, id, userID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.logger.Warn("read receipt failed", slog.String("message_id", id), slog.String("error", err.Error()))
			continue
		}
		marked = append(marked, id)
	}
	if len(marked) == 0 {
		return nil
	}

	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvMessagesRead, wire.MessagesReadPayload{
		UserID:     userID,
		MessageIDs: marked,
	}), userID)
	return nil
}

// React adds or removes userID under reactions[emoji] on a message and
// broadcasts the full reaction state to the message's room.
func (s *Service) React(ctx context.Context, userID string, req wire.ReactionRequest) error {
	var add bool
	switch req.Type {
	case "add":
		add = true
	case "remove":
		add = false
	default:
		return ErrBadReactionOp
	}

	msg, err := s.messages.SetReaction(ctx, req.MessageID, req.Reaction, userID, add)
	if err != nil {
		return err
	}

	reactions := msg.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	s.caster.BroadcastRoom(msg.RoomID, wire.NewEvent(wire.EvMessageReactionUpdate, wire.ReactionUpdatePayload{
		MessageID: msg.ID,
		Reactions: reactions,
	}))
	return nil
}

// Typing relays a typing indicator to room peers. Indicators are ephemeral
// and deliberately unmetered.
func (s *Service) Typing(ctx context.Context, userID string, req wire.TypingRequest) error {
	if current, ok := s.membership.CurrentRoom(userID); !ok || current != req.RoomID {
		return ErrNotInRoom
	}

	name := userID
	if user, err := s.users.ResolveUser(ctx, userID); err == nil {
		name = user.Name
	}
	s.caster.BroadcastRoom(req.RoomID, wire.NewEvent(wire.EvUserTyping, wire.TypingPayload{
		RoomID:   req.RoomID,
		UserID:   userID,
		Name:     name,
		IsTyping: req.IsTyping,
	}), userID)
	return nil
}

// UpdateStatus relays a presence change to the user's current room.
func (s *Service) UpdateStatus(ctx context.Context, userID string, status model.UserStatus) error {
	if !model.ValidStatus(status) {
		return ErrBadStatus
	}
	roomID, ok := s.membership.CurrentRoom(userID)
	if !ok {
		return nil
	}
	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvUserStatusUpdate, wire.StatusPayload{
		UserID: userID,
		Status: status,
	}), userID)
	return nil
}

// detectMentions returns the configured model names mentioned as "@<name>"
// in content, in configuration order.
func detectMentions(content string, models []string) []string {
	var mentioned []string
	for _, m := range models {
		if containsMention(content, m) {
			mentioned = append(mentioned, m)
		}
	}
	return mentioned
}

// containsMention reports whether "@<name>" occurs in content as a
// standalone token, so "@wayneAI" matches neither "@wayneAIBot" nor an
// email-like "user@wayneAI.example".
func containsMention(content, name string) bool {
	token := "@" + name
	for i := 0; i+len(token) <= len(content); i++ {
		j := strings.Index(content[i:], token)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(token)
		startOK := start == 0 || !isIdentChar(content[start-1])
		endOK := end == len(content) || !isIdentChar(content[end])
		if startOK && endOK {
			return true
		}
		i = start
	}
	return false
}

func isIdentChar(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// stripMention removes the "@<name>" token from content, collapsing the
// surrounding whitespace, so the AI sees only the query text.
func stripMention(content, name string) string {
	token := "@" + name
	out := content
	if idx := strings.Index(out, token); idx >= 0 {
		out = out[:idx] + out[idx+len(token):]
	}
	return strings.Join(strings.Fields(out), " ")
}
