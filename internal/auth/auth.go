// Package auth validates session handshakes. Token verification, session
// validation and user resolution each fail with a distinct kind so the
// transport can close the session with a precise error frame.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/store"
)

var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidSession = errors.New("invalid session")
	ErrUserNotFound   = errors.New("user not found")
)

// Verifier checks a bearer token's signature and returns the user id it was
// issued to.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// SessionStore is the auth subsystem's session table. The realtime core
// validates sessions and bumps activity; it never creates them.
type SessionStore interface {
	Validate(ctx context.Context, userID, sessionID string) (*model.Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
}

// Authenticator resolves a session handshake into a user and session.
type Authenticator struct {
	verifier Verifier
	sessions SessionStore
	users    store.UserRepo
	cache    *expirable.LRU[string, *model.User]
	clock    store.Clock
	logger   *logger.Logger
}

// NewAuthenticator wires the verifier and collaborators. User records are
// cached for ttl so repeated handshakes and sender resolution stay off the
// user repository.
func NewAuthenticator(verifier Verifier, sessions SessionStore, users store.UserRepo, cacheSize int, ttl time.Duration, clock store.Clock, log *logger.Logger) *Authenticator {
	if cacheSize <= 0 {
		cacheSize = 2000
	}
	return &Authenticator{
		verifier: verifier,
		sessions: sessions,
		users:    users,
		cache:    expirable.NewLRU[string, *model.User](cacheSize, nil, ttl),
		clock:    clock,
		logger:   log.WithComponent("auth"),
	}
}

// Authenticate verifies token and sessionID and resolves the user record.
// Any failure is fatal to the opening session.
func (a *Authenticator) Authenticate(ctx context.Context, token, sessionID string) (*model.User, *model.Session, error) {
	userID, err := a.verifier.Verify(token)
	if err != nil {
		return nil, nil, err
	}

	session, err := a.sessions.Validate(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrInvalidSession
		}
		return nil, nil, err
	}

	user, err := a.ResolveUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	// Activity bump is best-effort and must not delay the handshake.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.sessions.Touch(touchCtx, sessionID, a.clock.Now()); err != nil {
			a.logger.Warn("session activity update failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}()

	return user, session, nil
}

// ResolveUser returns the user record for id, preferring the short-TTL
// cache over the repository.
func (a *Authenticator) ResolveUser(ctx context.Context, id string) (*model.User, error) {
	if user, ok := a.cache.Get(id); ok {
		return user, nil
	}

	user, err := a.users.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	a.cache.Add(id, user)
	return user, nil
}

// VerifyToken exposes bare token verification for force_login checks.
func (a *Authenticator) VerifyToken(token string) (string, error) {
	return a.verifier.Verify(token)
}
