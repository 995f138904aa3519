// Package room tracks which room each connected user is in and keeps the
// durable participant set in step with joins, leaves and disconnects. A user
// occupies at most one room per instance; joining a second room leaves the
// first atomically.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/registry"
	"github.com/waynelab/chathub/internal/store"
	"github.com/waynelab/chathub/internal/wire"
)

var (
	ErrRoomNotFound = errors.New("room not found")
)

// Broadcaster delivers an event to every session currently in a room,
// optionally excluding one user.
type Broadcaster interface {
	BroadcastRoom(roomID string, ev wire.Event, exclude ...string)
}

// UserResolver resolves user records, normally through the authenticator's
// short-TTL cache.
type UserResolver interface {
	ResolveUser(ctx context.Context, id string) (*model.User, error)
}

// Service owns room membership for this instance.
type Service struct {
	rooms      store.RoomRepo
	messages   store.MessageRepo
	users      UserResolver
	cache      store.Cache
	caster     Broadcaster
	membership *registry.Bounded[string, string] // userID -> roomID

	accessTTL time.Duration
	pageSize  int
	clock     store.Clock
	logger    *logger.Logger
}

// NewService wires the membership tracker. maxEntries caps the per-instance
// membership table; accessTTL is how long a positive access check stays
// cached; pageSize is the history page size whose latest-key gets
// invalidated when a system message lands.
func NewService(rooms store.RoomRepo, messages store.MessageRepo, users UserResolver, cache store.Cache, caster Broadcaster, maxEntries int, accessTTL time.Duration, pageSize int, clock store.Clock, log *logger.Logger) *Service {
	return &Service{
		rooms:      rooms,
		messages:   messages,
		users:      users,
		cache:      cache,
		caster:     caster,
		membership: registry.NewBounded[string, string](maxEntries),
		accessTTL:  accessTTL,
		pageSize:   pageSize,
		clock:      clock,
		logger:     log.WithComponent("rooms"),
	}
}

// Join places userID in roomID and returns the resolved participant list for
// the joinRoomSuccess acknowledgement. Rejoining the current room is
// idempotent. Joining while in another room leaves that room first, so peers
// in the old room observe the departure before peers in the new room observe
// the arrival.
func (s *Service) Join(ctx context.Context, userID, roomID string) ([]model.User, error) {
	if current, ok := s.membership.Get(userID); ok {
		if current == roomID {
			room, err := s.rooms.Get(ctx, roomID)
			if err != nil {
				return nil, s.mapRoomErr(err)
			}
			return s.resolveParticipants(ctx, room.Participants), nil
		}
		if err := s.Leave(ctx, userID, current); err != nil {
			s.logger.Warn("leave before join failed",
				slog.String("user_id", userID),
				slog.String("room_id", current),
				slog.String("error", err.Error()))
		}
	}

	participantIDs, err := s.rooms.AddParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, s.mapRoomErr(err)
	}
	s.membership.Set(userID, roomID)

	if err := s.cache.Set(ctx, store.AccessKey(roomID, userID), "1", s.accessTTL); err != nil {
		s.logger.Warn("access cache write failed", slog.String("error", err.Error()))
	}

	user, err := s.users.ResolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	participants := s.resolveParticipants(ctx, participantIDs)

	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvUserJoined, wire.UserEventPayload{
		RoomID: roomID,
		UserID: userID,
		Name:   user.Name,
	}), userID)
	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvParticipantsUpdate, wire.ParticipantsUpdatePayload{
		RoomID:       roomID,
		Participants: participants,
	}))

	s.postSystemMessage(roomID, fmt.Sprintf("%s joined the room", user.Name))

	return participants, nil
}

// Leave removes userID from roomID, updating the durable participant set and
// notifying remaining peers. Leaving a room the user is not in is a no-op.
func (s *Service) Leave(ctx context.Context, userID, roomID string) error {
	if current, ok := s.membership.Get(userID); !ok || current != roomID {
		return nil
	}
	s.membership.Delete(userID)
	_ = s.cache.Delete(ctx, store.AccessKey(roomID, userID))

	remaining, err := s.rooms.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		return s.mapRoomErr(err)
	}

	name := userID
	if user, err := s.users.ResolveUser(ctx, userID); err == nil {
		name = user.Name
	}

	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvUserLeft, wire.UserEventPayload{
		RoomID: roomID,
		UserID: userID,
		Name:   name,
	}))
	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvParticipantsUpdate, wire.ParticipantsUpdatePayload{
		RoomID:       roomID,
		Participants: s.resolveParticipants(ctx, remaining),
	}))
	return nil
}

// CurrentRoom returns the room userID is in on this instance.
func (s *Service) CurrentRoom(userID string) (string, bool) {
	return s.membership.Get(userID)
}

// DisconnectCleanup releases userID's membership after its session closes.
// A graceful close announces the departure with a system message and a
// participant update; a pre-empted close stays silent, since the same user
// is reconnecting elsewhere and the room has not lost a member.
func (s *Service) DisconnectCleanup(ctx context.Context, userID string, graceful bool) {
	roomID, ok := s.membership.Get(userID)
	if !ok {
		return
	}
	s.membership.Delete(userID)
	_ = s.cache.Delete(ctx, store.AccessKey(roomID, userID))

	if !graceful {
		return
	}

	remaining, err := s.rooms.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		s.logger.Warn("participant removal on disconnect failed",
			slog.String("user_id", userID),
			slog.String("room_id", roomID),
			slog.String("error", err.Error()))
		return
	}

	name := userID
	if user, err := s.users.ResolveUser(ctx, userID); err == nil {
		name = user.Name
	}

	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvUserLeft, wire.UserEventPayload{
		RoomID: roomID,
		UserID: userID,
		Name:   name,
	}))
	s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvParticipantsUpdate, wire.ParticipantsUpdatePayload{
		RoomID:       roomID,
		Participants: s.resolveParticipants(ctx, remaining),
	}))

	s.postSystemMessage(roomID, fmt.Sprintf("%s disconnected", name))
}

// postSystemMessage persists and broadcasts a system message off the request
// path. Persistence failures are logged; the broadcast still goes out so
// connected peers see the announcement either way.
func (s *Service) postSystemMessage(roomID, content string) {
	msg := &model.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Content:   content,
		Kind:      model.KindSystem,
		CreatedAt: s.clock.Now(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.messages.Create(ctx, msg); err != nil {
			s.logger.Warn("system message persist failed",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()))
			return
		}
		_ = s.cache.Delete(ctx, store.HistoryLatestKey(roomID, s.pageSize))
		s.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvMessage, wire.NewMessagePayload(msg, nil, nil)))
	}()
}

// resolveParticipants maps participant ids to user records, skipping ids
// that no longer resolve.
func (s *Service) resolveParticipants(ctx context.Context, ids []string) []model.User {
	participants := make([]model.User, 0, len(ids))
	for _, id := range ids {
		user, err := s.users.ResolveUser(ctx, id)
		if err != nil {
			s.logger.Debug("participant resolution skipped",
				slog.String("user_id", id),
				slog.String("error", err.Error()))
			continue
		}
		participants = append(participants, *user)
	}
	return participants
}

func (s *Service) mapRoomErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	return err
}
