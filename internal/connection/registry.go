// Package connection enforces at most one active session per user. A newer
// authenticated session pre-empts the incumbent: the old handle gets a
// duplicate_login warning, then session_ended after a grace period (or
// immediately if it disconnects first), and is force-closed. The entry
// table is a bounded registry so a connection flood cannot exhaust memory.
package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/registry"
	"github.com/waynelab/chathub/internal/store"
	"github.com/waynelab/chathub/internal/wire"
)

// Conn is the transport handle the registry manages. Implementations must
// make Send non-blocking (queue or drop) and Close idempotent.
type Conn interface {
	ID() string
	Send(ev wire.Event) bool
	Close()
	Alive() bool
}

// Meta describes the client that opened a session, echoed to the incumbent
// in the duplicate_login warning.
type Meta struct {
	UserAgent  string
	IPAddress  string
	DeviceInfo string
}

// Entry is the per-user connection record.
type Entry struct {
	Conn         Conn
	CreatedAt    time.Time
	LastActivity time.Time
}

// preemption tracks one in-flight grace window for an evicted handle.
type preemption struct {
	userID string
	conn   Conn
	timer  *time.Timer
}

// Registry maps user id to their single active connection.
type Registry struct {
	entries *registry.Bounded[string, *Entry]

	mu      sync.Mutex
	pending map[string]*preemption // keyed by evicted conn id

	grace  time.Duration
	clock  store.Clock
	logger *logger.Logger
}

// NewRegistry creates a registry capped at maxConns entries. grace is the
// warning window between duplicate_login and session_ended.
func NewRegistry(maxConns int, grace time.Duration, clock store.Clock, log *logger.Logger) *Registry {
	if grace <= 0 {
		grace = 8 * time.Second
	}
	return &Registry{
		entries: registry.NewBounded[string, *Entry](maxConns),
		pending: make(map[string]*preemption),
		grace:   grace,
		clock:   clock,
		logger:  log.WithComponent("connections"),
	}
}

// Register installs conn as the active session for userID, pre-empting any
// prior handle. The new handle owns all subsequent fan-out immediately; the
// incumbent only ever receives its warning and termination frames. Reports
// whether a prior handle was pre-empted.
func (r *Registry) Register(userID string, conn Conn, meta Meta) bool {
	now := r.clock.Now()
	newEntry := &Entry{Conn: conn, CreatedAt: now, LastActivity: now}

	r.mu.Lock()
	prior, had := r.entries.Get(userID)
	evictedUser, evictedEntry, evicted := r.entries.SetWithEvict(userID, newEntry)

	if !had || prior.Conn.ID() == conn.ID() {
		r.mu.Unlock()
		if evicted {
			r.closeEvicted(evictedUser, evictedEntry.Conn)
		}
		return false
	}

	old := prior.Conn
	p := &preemption{userID: userID, conn: old}
	p.timer = time.AfterFunc(r.grace, func() {
		r.completePreemption(old.ID(), wire.ReasonDuplicateLogin)
	})
	r.pending[old.ID()] = p
	r.mu.Unlock()

	if evicted {
		r.closeEvicted(evictedUser, evictedEntry.Conn)
	}

	old.Send(wire.NewEvent(wire.EvDuplicateLogin, wire.DuplicateLoginPayload{
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Timestamp:  now,
	}))

	r.logger.Info("session pre-empted",
		slog.String("user_id", userID),
		slog.String("old_conn", old.ID()),
		slog.String("new_conn", conn.ID()))
	return true
}

// completePreemption sends session_ended{reason} and force-closes the
// evicted handle. The pending map guarantees it runs at most once per
// handle, no matter whether the timer or an early disconnect gets here
// first.
func (r *Registry) completePreemption(connID, reason string) {
	r.mu.Lock()
	p, ok := r.pending[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, connID)
	r.mu.Unlock()

	p.timer.Stop()
	p.conn.Send(wire.NewEvent(wire.EvSessionEnded, wire.SessionEndedPayload{
		Reason: reason,
	}))
	p.conn.Close()
}

// closeEvicted terminates a connection whose entry was pushed out of the
// table by capacity pressure. Unlike pre-emption there is no replacement
// session and no grace; the handle would otherwise linger as a zombie that
// receives no fan-out and is invisible to the liveness sweep.
func (r *Registry) closeEvicted(userID string, conn Conn) {
	conn.Send(wire.NewEvent(wire.EvSessionEnded, wire.SessionEndedPayload{
		Reason: wire.ReasonConnectionLimit,
	}))
	conn.Close()

	r.logger.Warn("session evicted at capacity",
		slog.String("user_id", userID),
		slog.String("conn_id", conn.ID()))
}

// Unregister removes the entry for userID only if it still points at conn,
// guarding against races with pre-emption. It reports whether conn was the
// active session. A pre-empted handle disconnecting during its grace window
// completes the pre-emption immediately instead.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	entry, ok := r.entries.Get(userID)
	if ok && entry.Conn.ID() == conn.ID() {
		r.entries.Delete(userID)
		r.mu.Unlock()
		return true
	}
	_, pendingPreempt := r.pending[conn.ID()]
	r.mu.Unlock()

	if pendingPreempt {
		r.completePreemption(conn.ID(), wire.ReasonDuplicateLogin)
	}
	return false
}

// ForceEnd skips the remaining grace for any pre-emption pending against
// userID, terminating the evicted handle now with reason force_logout.
// Returns the number of handles ended.
func (r *Registry) ForceEnd(userID string) int {
	r.mu.Lock()
	var ids []string
	for id, p := range r.pending {
		if p.userID == userID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.completePreemption(id, wire.ReasonForceLogout)
	}
	return len(ids)
}

// Lookup returns the active connection for userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	entry, ok := r.entries.Get(userID)
	if !ok {
		return nil, false
	}
	return entry.Conn, true
}

// Touch updates last activity for userID's entry.
func (r *Registry) Touch(userID string) {
	if entry, ok := r.entries.Get(userID); ok {
		entry.LastActivity = r.clock.Now()
	}
}

// Range visits every (userID, conn) pair.
func (r *Registry) Range(fn func(userID string, conn Conn) bool) {
	r.entries.Range(func(userID string, entry *Entry) bool {
		return fn(userID, entry.Conn)
	})
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// SweepDead drops entries whose handle is no longer connected. Returns the
// number removed.
func (r *Registry) SweepDead() int {
	removed := 0
	r.entries.Range(func(userID string, entry *Entry) bool {
		if !entry.Conn.Alive() {
			r.mu.Lock()
			if cur, ok := r.entries.Get(userID); ok && cur.Conn.ID() == entry.Conn.ID() {
				r.entries.Delete(userID)
				removed++
			}
			r.mu.Unlock()
		}
		return true
	})
	return removed
}

// CloseAll sends session_ended{reason} to every active connection and
// closes it. Used at shutdown.
func (r *Registry) CloseAll(reason string) {
	r.entries.Range(func(userID string, entry *Entry) bool {
		entry.Conn.Send(wire.NewEvent(wire.EvSessionEnded, wire.SessionEndedPayload{Reason: reason}))
		entry.Conn.Close()
		r.entries.Delete(userID)
		return true
	})
}
