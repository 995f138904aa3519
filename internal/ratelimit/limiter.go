// Package ratelimit enforces the per-user sliding window on message
// ingestion. The counter of record lives in the shared cache so the limit
// holds across instances; when the cache is unreachable the limiter falls
// back to an in-process bounded registry and keeps serving.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/registry"
	"github.com/waynelab/chathub/internal/store"
)

// ErrRateLimited is returned when a user exceeds the per-window maximum.
var ErrRateLimited = errors.New("rate limit exceeded")

const windowLength = time.Minute

// Limiter counts operations per user per wall-clock minute.
type Limiter struct {
	cache  store.Cache
	local  *registry.Bounded[string, int64]
	max    int64
	clock  store.Clock
	logger *logger.Logger
}

// New creates a limiter allowing maxPerWindow operations per user per
// minute, with an in-process fallback capped at bucketCap entries.
func New(cache store.Cache, maxPerWindow, bucketCap int, clock store.Clock, log *logger.Logger) *Limiter {
	if maxPerWindow <= 0 {
		maxPerWindow = 40
	}
	return &Limiter{
		cache:  cache,
		local:  registry.NewBounded[string, int64](bucketCap),
		max:    int64(maxPerWindow),
		clock:  clock,
		logger: log.WithComponent("ratelimit"),
	}
}

// Check counts one operation for userID and returns ErrRateLimited when the
// post-increment count exceeds the maximum for the current window.
func (l *Limiter) Check(ctx context.Context, userID string) error {
	window := l.clock.Now().UnixMilli() / windowLength.Milliseconds()
	key := store.RateKey(userID, window)

	count, err := l.cache.Incr(ctx, key, windowLength)
	if err != nil {
		// Cache down: degrade to the local bucket so sends keep flowing.
		l.logger.Warn("cache increment failed, using local bucket",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		count = l.incrLocal(key)
	} else {
		// Keep the local bucket warm so a later cache outage does not
		// reset counts mid-window.
		l.local.Set(key, count)
	}

	if count > l.max {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrLocal(key string) int64 {
	n, _ := l.local.Get(key)
	n++
	l.local.Set(key, n)
	return n
}

// Sweep drops local buckets older than maxAge. Returns the number removed.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	cutoff := (l.clock.Now().Add(-maxAge).UnixMilli()) / windowLength.Milliseconds()
	removed := 0
	l.local.Range(func(key string, _ int64) bool {
		if bucketWindow(key) < cutoff {
			if l.local.Delete(key) {
				removed++
			}
		}
		return true
	})
	return removed
}

// Reset clears every local bucket. Called by the janitor under hard memory
// pressure; the cache-side counters are unaffected.
func (l *Limiter) Reset() int {
	return l.local.Clear()
}

// bucketWindow parses the window index from a "<user>:<window>" key.
func bucketWindow(key string) int64 {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 {
		return 0
	}
	w, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return w
}
