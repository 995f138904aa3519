// Package firestore implements the store repositories over Cloud Firestore.
// Collections: messages, rooms, users, files, sessions. Writes that must be
// conditional (read receipts, reactions, participant sets) run in
// transactions so concurrent instances converge on the same document state.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/store"
)

const (
	colMessages = "messages"
	colRooms    = "rooms"
	colUsers    = "users"
	colFiles    = "files"
	colSessions = "sessions"
)

// Store bundles the repository implementations over one firestore client.
type Store struct {
	client *firestore.Client
}

// New creates a firestore-backed store.
func New(client *firestore.Client) *Store {
	if client == nil {
		return nil
	}
	return &Store{client: client}
}

// Messages returns the message repository.
func (s *Store) Messages() *MessageRepo { return &MessageRepo{client: s.client} }

// Rooms returns the room repository.
func (s *Store) Rooms() *RoomRepo { return &RoomRepo{client: s.client} }

// Users returns the user repository.
func (s *Store) Users() *UserRepo { return &UserRepo{client: s.client} }

// Files returns the file repository.
func (s *Store) Files() *FileRepo { return &FileRepo{client: s.client} }

// Sessions returns the session store.
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{client: s.client} }

// mapErr converts grpc status codes to the store's sentinel errors.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// MessageRepo stores chat messages in the messages collection.
type MessageRepo struct {
	client *firestore.Client
}

// Create persists msg. AlreadyExists is treated as success so retried
// deliveries stay idempotent on ID.
func (r *MessageRepo) Create(ctx context.Context, msg *model.Message) error {
	if msg == nil || msg.ID == "" {
		return status.Error(codes.InvalidArgument, "message id must be non-empty")
	}
	_, err := r.client.Collection(colMessages).Doc(msg.ID).Create(ctx, msg)
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return mapErr(err, "create message")
}

func (r *MessageRepo) Get(ctx context.Context, id string) (*model.Message, error) {
	doc, err := r.client.Collection(colMessages).Doc(id).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get message")
	}
	var msg model.Message
	if err := doc.DataTo(&msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	if msg.Deleted {
		return nil, store.ErrNotFound
	}
	return &msg, nil
}

// Find returns up to limit messages for f.RoomID, newest first, excluding
// soft-deleted documents. A non-zero Before bounds the page.
func (r *MessageRepo) Find(ctx context.Context, f store.MessageFilter, limit int) ([]*model.Message, error) {
	q := r.client.Collection(colMessages).
		Where("room", "==", f.RoomID).
		Where("isDeleted", "==", false).
		OrderBy("timestamp", firestore.Desc).
		Limit(limit)
	if !f.Before.IsZero() {
		q = q.Where("timestamp", "<", f.Before)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*model.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapErr(err, "query messages")
		}
		var msg model.Message
		if err := doc.DataTo(&msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

// AddReader appends a read receipt for userID unless one exists. The check
// and write share a transaction so two instances marking the same message
// settle on a single receipt.
func (r *MessageRepo) AddReader(ctx context.Context, messageID, userID string, at time.Time) error {
	ref := r.client.Collection(colMessages).Doc(messageID)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var msg model.Message
		if err := doc.DataTo(&msg); err != nil {
			return err
		}
		if msg.HasReader(userID) {
			return nil
		}
		readers := append(msg.Readers, model.Reader{UserID: userID, ReadAt: at})
		return tx.Update(ref, []firestore.Update{{Path: "readers", Value: readers}})
	})
	return mapErr(err, "add reader")
}

// SetReaction adds or removes userID under reactions[emoji] and returns the
// resulting message.
func (r *MessageRepo) SetReaction(ctx context.Context, messageID, emoji, userID string, add bool) (*model.Message, error) {
	ref := r.client.Collection(colMessages).Doc(messageID)
	var result model.Message
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var msg model.Message
		if err := doc.DataTo(&msg); err != nil {
			return err
		}
		if msg.Reactions == nil {
			msg.Reactions = make(map[string][]string)
		}

		users := msg.Reactions[emoji]
		has := false
		for _, u := range users {
			if u == userID {
				has = true
				break
			}
		}
		switch {
		case add && !has:
			msg.Reactions[emoji] = append(users, userID)
		case !add && has:
			kept := users[:0]
			for _, u := range users {
				if u != userID {
					kept = append(kept, u)
				}
			}
			if len(kept) == 0 {
				delete(msg.Reactions, emoji)
			} else {
				msg.Reactions[emoji] = kept
			}
		default:
			result = msg
			return nil
		}

		result = msg
		return tx.Update(ref, []firestore.Update{{Path: "reactions", Value: msg.Reactions}})
	})
	if err != nil {
		return nil, mapErr(err, "set reaction")
	}
	return &result, nil
}

// RoomRepo stores rooms in the rooms collection.
type RoomRepo struct {
	client *firestore.Client
}

func (r *RoomRepo) Get(ctx context.Context, id string) (*model.Room, error) {
	doc, err := r.client.Collection(colRooms).Doc(id).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get room")
	}
	var room model.Room
	if err := doc.DataTo(&room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", id, err)
	}
	return &room, nil
}

// AddParticipant inserts userID into the participant set and returns it.
// Re-adding an existing participant leaves the set unchanged.
func (r *RoomRepo) AddParticipant(ctx context.Context, roomID, userID string) ([]string, error) {
	return r.mutateParticipants(ctx, roomID, func(participants []string) ([]string, bool) {
		for _, p := range participants {
			if p == userID {
				return participants, false
			}
		}
		return append(participants, userID), true
	})
}

// RemoveParticipant removes userID and returns the remaining set.
func (r *RoomRepo) RemoveParticipant(ctx context.Context, roomID, userID string) ([]string, error) {
	return r.mutateParticipants(ctx, roomID, func(participants []string) ([]string, bool) {
		kept := make([]string, 0, len(participants))
		changed := false
		for _, p := range participants {
			if p == userID {
				changed = true
				continue
			}
			kept = append(kept, p)
		}
		return kept, changed
	})
}

func (r *RoomRepo) mutateParticipants(ctx context.Context, roomID string, mutate func([]string) ([]string, bool)) ([]string, error) {
	ref := r.client.Collection(colRooms).Doc(roomID)
	var result []string
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var room model.Room
		if err := doc.DataTo(&room); err != nil {
			return err
		}
		next, changed := mutate(room.Participants)
		result = next
		if !changed {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: "participants", Value: next}})
	})
	if err != nil {
		return nil, mapErr(err, "update participants")
	}
	return result, nil
}

// UserRepo reads user records from the users collection.
type UserRepo struct {
	client *firestore.Client
}

func (r *UserRepo) Get(ctx context.Context, id string) (*model.User, error) {
	doc, err := r.client.Collection(colUsers).Doc(id).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get user")
	}
	var user model.User
	if err := doc.DataTo(&user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &user, nil
}

// FileRepo reads file references from the files collection.
type FileRepo struct {
	client *firestore.Client
}

func (r *FileRepo) Get(ctx context.Context, id string) (*model.FileRef, error) {
	doc, err := r.client.Collection(colFiles).Doc(id).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get file")
	}
	var file model.FileRef
	if err := doc.DataTo(&file); err != nil {
		return nil, fmt.Errorf("decode file %s: %w", id, err)
	}
	return &file, nil
}

// SessionRepo validates device sessions from the sessions collection.
type SessionRepo struct {
	client *firestore.Client
}

// Validate returns the session iff it exists and belongs to userID.
func (r *SessionRepo) Validate(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	doc, err := r.client.Collection(colSessions).Doc(sessionID).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get session")
	}
	var session model.Session
	if err := doc.DataTo(&session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if session.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

// Touch bumps the session's last-activity timestamp.
func (r *SessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.client.Collection(colSessions).Doc(sessionID).Update(ctx, []firestore.Update{
		{Path: "lastActivity", Value: at},
	})
	return mapErr(err, "touch session")
}
