// Package store defines the persistence and caching contracts the realtime
// core consumes. Implementations live in subpackages (firestore) or, for
// the cache, in this package; tests use in-memory fakes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/waynelab/chathub/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// Clock abstracts wall-clock time so tests can control windows and TTLs.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// MessageFilter selects messages for history reads. A zero Before means
// "latest". Soft-deleted messages are always excluded.
type MessageFilter struct {
	RoomID string
	Before time.Time
}

// MessageRepo is the durable message store. All methods are safe for
// concurrent use; the core issues no cross-document transactions.
type MessageRepo interface {
	// Create persists a new message. Creation is idempotent on ID.
	Create(ctx context.Context, msg *model.Message) error

	// Get returns a single message or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Message, error)

	// Find returns up to limit messages matching f, newest first.
	Find(ctx context.Context, f MessageFilter, limit int) ([]*model.Message, error)

	// AddReader adds a read receipt for userID iff one is not already
	// present. A second call with the same user is a no-op.
	AddReader(ctx context.Context, messageID, userID string, at time.Time) error

	// SetReaction adds or removes userID under reactions[emoji].
	// Last writer wins per (message, emoji, user).
	SetReaction(ctx context.Context, messageID, emoji, userID string, add bool) (*model.Message, error)
}

// RoomRepo exposes the room participant set. Room CRUD itself is owned by
// the HTTP API; the core only reads rooms and mutates participants.
type RoomRepo interface {
	Get(ctx context.Context, id string) (*model.Room, error)

	// AddParticipant adds userID and returns the populated participant set.
	// Adding an existing participant is a no-op that returns current state.
	AddParticipant(ctx context.Context, roomID, userID string) ([]string, error)

	// RemoveParticipant removes userID and returns the remaining set.
	RemoveParticipant(ctx context.Context, roomID, userID string) ([]string, error)
}

// UserRepo resolves user records. Read-only to the core.
type UserRepo interface {
	Get(ctx context.Context, id string) (*model.User, error)
}

// FileRepo resolves file references attached to messages.
type FileRepo interface {
	Get(ctx context.Context, id string) (*model.FileRef, error)
}

// Cache is a best-effort volatile store. Values are canonical text; callers
// that need structure go through GetJSON/SetJSON, which enforce the
// encode-on-write, decode-or-delete-on-read policy. Cache failures must
// never fail the surrounding request.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer at key, setting ttl when the
	// key is created, and returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// GetJSON reads key and decodes it into dest. A payload that fails to
// decode is deleted and treated as a miss, so a corrupt entry can never
// poison subsequent reads.
func GetJSON(ctx context.Context, c Cache, key string, dest any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		_ = c.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON encodes value canonically and writes it under key.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// Cache key conventions shared by the history loader, rate limiter and
// authenticator. Kept together so the janitor and ops tooling agree on the
// namespace.
const (
	keyHistoryFmt = "messages:%s:%s:%d"     // room, before|latest, limit
	keyAccessFmt  = "room_access:%s:%s"     // room, user
	keyUserFmt    = "user:%s"               // user
	keyRateFmt    = "%s:%d"                 // user, window index
	historyLatest = "latest"
)

// HistoryKey builds the cache key for one history page.
func HistoryKey(roomID string, before time.Time, limit int) string {
	at := historyLatest
	if !before.IsZero() {
		at = fmt.Sprintf("%d", before.UnixMilli())
	}
	return fmt.Sprintf(keyHistoryFmt, roomID, at, limit)
}

// HistoryLatestKey is the key invalidated after a successful persist.
func HistoryLatestKey(roomID string, limit int) string {
	return fmt.Sprintf(keyHistoryFmt, roomID, historyLatest, limit)
}

// AccessKey builds the cache key for a positive room-access check.
func AccessKey(roomID, userID string) string {
	return fmt.Sprintf(keyAccessFmt, roomID, userID)
}

// UserKey builds the cache key for a resolved user record.
func UserKey(userID string) string {
	return fmt.Sprintf(keyUserFmt, userID)
}

// RateKey builds the cache key for one user's rate bucket.
func RateKey(userID string, window int64) string {
	return fmt.Sprintf(keyRateFmt, userID, window)
}
