// Package history serves paginated message reads. Pages are cached briefly,
// repository reads are bounded by a timeout with retry, and concurrent
// fetches of the same page by the same user collapse into one.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/metrics"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/registry"
	"github.com/waynelab/chathub/internal/store"
	"github.com/waynelab/chathub/internal/wire"
)

var (
	ErrAccessDenied = errors.New("not a participant of this room")
	ErrLoadTimeout  = errors.New("history load timed out")
	// ErrFetchInFlight means an identical fetch is already running for this
	// user; the duplicate request is dropped, not queued.
	ErrFetchInFlight = errors.New("fetch already in flight")
)

// UserResolver resolves sender records for page assembly.
type UserResolver interface {
	ResolveUser(ctx context.Context, id string) (*model.User, error)
}

// Options tune the loader. Zero values fall back to production defaults.
type Options struct {
	PageSize    int
	Timeout     time.Duration
	Retries     int
	Backoff     time.Duration
	BackoffMax  time.Duration
	HistoryTTL  time.Duration
	AccessTTL   time.Duration
	MaxInflight int
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 25
	}
	if o.Timeout <= 0 {
		o.Timeout = 8 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 1500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = 30 * time.Second
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 5 * time.Minute
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = 1000
	}
}

// Loader reads message pages for connected users.
type Loader struct {
	messages store.MessageRepo
	rooms    store.RoomRepo
	users    UserResolver
	files    store.FileRepo
	cache    store.Cache
	inflight *registry.Bounded[string, time.Time]

	opts   Options
	clock  store.Clock
	logger *logger.Logger
}

// NewLoader wires a history loader.
func NewLoader(messages store.MessageRepo, rooms store.RoomRepo, users UserResolver, files store.FileRepo, cache store.Cache, opts Options, clock store.Clock, log *logger.Logger) *Loader {
	opts.applyDefaults()
	return &Loader{
		messages: messages,
		rooms:    rooms,
		users:    users,
		files:    files,
		cache:    cache,
		inflight: registry.NewBounded[string, time.Time](opts.MaxInflight),
		opts:     opts,
		clock:    clock,
		logger:   log.WithComponent("history"),
	}
}

// Fetch returns one page of messages for roomID, newest page when before is
// zero. The page is ascending by timestamp. Read receipts for the fetched
// messages are recorded asynchronously. started, if non-nil, is invoked once
// the request is admitted (access verified, no identical fetch running);
// denied or deduplicated requests never see it.
func (l *Loader) Fetch(ctx context.Context, userID, roomID string, before time.Time, started func()) (*wire.HistoryPagePayload, error) {
	if err := l.checkAccess(ctx, userID, roomID); err != nil {
		metrics.HistoryLoads.WithLabelValues("error").Inc()
		return nil, err
	}

	flightKey := fmt.Sprintf("%s:%s:%d", roomID, userID, before.UnixMilli())
	if _, dup := l.inflight.Get(flightKey); dup {
		return nil, ErrFetchInFlight
	}
	l.inflight.Set(flightKey, l.clock.Now())
	defer l.inflight.Delete(flightKey)

	if started != nil {
		started()
	}

	cacheKey := store.HistoryKey(roomID, before, l.opts.PageSize)
	var cached wire.HistoryPagePayload
	if hit, err := store.GetJSON(ctx, l.cache, cacheKey, &cached); err == nil && hit {
		metrics.HistoryLoads.WithLabelValues("hit").Inc()
		l.markReadAsync(userID, cached.Messages)
		return &cached, nil
	}

	msgs, err := l.findWithRetry(ctx, roomID, before)
	if err != nil {
		metrics.HistoryLoads.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.HistoryLoads.WithLabelValues("miss").Inc()

	hasMore := len(msgs) > l.opts.PageSize
	if hasMore {
		msgs = msgs[:l.opts.PageSize]
	}
	// Repository order is newest first; clients render ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := &wire.HistoryPagePayload{
		RoomID:   roomID,
		Messages: make([]wire.MessagePayload, 0, len(msgs)),
		HasMore:  hasMore,
	}
	for _, msg := range msgs {
		page.Messages = append(page.Messages, l.assemble(ctx, msg))
	}
	if len(msgs) > 0 {
		oldest := msgs[0].CreatedAt
		page.OldestTimestamp = &oldest
	}

	if err := store.SetJSON(ctx, l.cache, cacheKey, page, l.opts.HistoryTTL); err != nil {
		l.logger.Warn("history cache write failed", slog.String("error", err.Error()))
	}

	l.markReadAsync(userID, page.Messages)
	return page, nil
}

// checkAccess verifies userID may read roomID, caching positive results.
func (l *Loader) checkAccess(ctx context.Context, userID, roomID string) error {
	key := store.AccessKey(roomID, userID)
	if _, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		return nil
	}

	room, err := l.rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccessDenied
		}
		return err
	}
	if !room.HasParticipant(userID) {
		return ErrAccessDenied
	}

	if err := l.cache.Set(ctx, key, "1", l.opts.AccessTTL); err != nil {
		l.logger.Warn("access cache write failed", slog.String("error", err.Error()))
	}
	return nil
}

// findWithRetry queries the repository under a per-attempt timeout, backing
// off between failures.
func (l *Loader) findWithRetry(ctx context.Context, roomID string, before time.Time) ([]*model.Message, error) {
	backoff := l.opts.Backoff
	var lastErr error

	for attempt := 1; attempt <= l.opts.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
		msgs, err := l.messages.Find(attemptCtx, store.MessageFilter{RoomID: roomID, Before: before}, l.opts.PageSize+1)
		cancel()
		if err == nil {
			return msgs, nil
		}
		lastErr = err

		l.logger.Warn("history query failed",
			slog.String("room_id", roomID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt == l.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > l.opts.BackoffMax {
			backoff = l.opts.BackoffMax
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrLoadTimeout, lastErr)
}

// assemble builds the wire form of one stored message, resolving sender and
// file references. Resolution failures degrade to a payload without them.
func (l *Loader) assemble(ctx context.Context, msg *model.Message) wire.MessagePayload {
	var sender *model.User
	if msg.SenderID != "" {
		if u, err := l.users.ResolveUser(ctx, msg.SenderID); err == nil {
			sender = u
		}
	}
	var file *model.FileRef
	if msg.FileID != "" {
		if f, err := l.files.Get(ctx, msg.FileID); err == nil {
			file = f
		}
	}
	return wire.NewMessagePayload(msg, sender, file)
}

// markReadAsync records read receipts for the page off the request path.
func (l *Loader) markReadAsync(userID string, msgs []wire.MessagePayload) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	now := l.clock.Now()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range ids {
			if err := l.messages.AddReader(ctx, id, userID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
				l.logger.Warn("read receipt failed",
					slog.String("message_id", id),
					slog.String("error", err.Error()))
			}
		}
	}()
}

// SweepInflight drops in-flight markers older than maxAge. Normal completion
// removes markers itself; this catches entries orphaned by a crash mid-fetch.
func (l *Loader) SweepInflight(maxAge time.Duration) int {
	cutoff := l.clock.Now().Add(-maxAge)
	removed := 0
	l.inflight.Range(func(key string, started time.Time) bool {
		if started.Before(cutoff) {
			l.inflight.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// InflightLen reports the current number of in-flight markers.
func (l *Loader) InflightLen() int {
	return l.inflight.Len()
}

// ClearInflight drops every in-flight marker. Used by the janitor under
// memory pressure.
func (l *Loader) ClearInflight() {
	l.inflight.Clear()
}
