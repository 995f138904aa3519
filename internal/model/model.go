// Package model holds the domain entities shared across the realtime core.
// All cross-references between users, rooms and messages are by opaque
// identifier; no registry or handle is ever embedded in a persisted record.
package model

import "time"

// MessageKind classifies a stored message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
	KindAI     MessageKind = "ai"
)

// User is a chat participant. The realtime core treats users as read-only;
// profile mutation belongs to the HTTP API.
type User struct {
	ID           string `firestore:"id" json:"_id"`
	Name         string `firestore:"name" json:"name"`
	Email        string `firestore:"email" json:"email"`
	ProfileImage string `firestore:"profileImage,omitempty" json:"profileImage,omitempty"`
}

// Room is a named channel with an ordered participant set. The core mutates
// only Participants, via RoomRepo.AddParticipant / RemoveParticipant.
type Room struct {
	ID           string    `firestore:"id" json:"_id"`
	Name         string    `firestore:"name" json:"name"`
	PasswordHash string    `firestore:"passwordHash,omitempty" json:"-"`
	CreatorID    string    `firestore:"creator" json:"creator"`
	Participants []string  `firestore:"participants" json:"participants"`
	CreatedAt    time.Time `firestore:"createdAt" json:"createdAt"`
}

// HasParticipant reports whether userID is in the participant set.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// FileRef describes an uploaded file attached to a message. Upload itself is
// handled outside the core; messages only carry the reference.
type FileRef struct {
	ID           string `firestore:"id" json:"_id"`
	Filename     string `firestore:"filename" json:"filename"`
	OriginalName string `firestore:"originalname" json:"originalname"`
	MimeType     string `firestore:"mimetype" json:"mimetype"`
	Size         int64  `firestore:"size" json:"size"`
}

// Reader records a single user's read receipt on a message.
type Reader struct {
	UserID string    `firestore:"userId" json:"userId"`
	ReadAt time.Time `firestore:"readAt" json:"readAt"`
}

// Message is the append-only chat record. Readers, Reactions and the Deleted
// flag are the only mutable parts; content is immutable once persisted.
type Message struct {
	ID        string              `firestore:"id" json:"_id"`
	RoomID    string              `firestore:"room" json:"room"`
	SenderID  string              `firestore:"sender,omitempty" json:"-"` // empty for system and AI messages
	Content   string              `firestore:"content" json:"content"`
	Kind      MessageKind         `firestore:"type" json:"type"`
	FileID    string              `firestore:"file,omitempty" json:"-"`
	AIModel   string              `firestore:"aiType,omitempty" json:"aiType,omitempty"`
	CreatedAt time.Time           `firestore:"timestamp" json:"timestamp"`
	Readers   []Reader            `firestore:"readers" json:"readers"`
	Reactions map[string][]string `firestore:"reactions" json:"reactions"`
	Deleted   bool                `firestore:"isDeleted" json:"-"`
}

// HasReader reports whether userID already has a read receipt on m.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.Readers {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Session is an authenticated device session issued by the auth subsystem.
// The core only validates it and bumps LastActivity.
type Session struct {
	ID           string    `firestore:"id" json:"id"`
	UserID       string    `firestore:"userId" json:"userId"`
	CreatedAt    time.Time `firestore:"createdAt" json:"createdAt"`
	LastActivity time.Time `firestore:"lastActivity" json:"lastActivity"`
}

// UserStatus is the presence status relayed to room peers.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusAway    UserStatus = "away"
	StatusBusy    UserStatus = "busy"
	StatusOffline UserStatus = "offline"
)

// ValidStatus reports whether s is one of the accepted presence values.
func ValidStatus(s UserStatus) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}
