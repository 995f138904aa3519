package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

// failingCache simulates a cache outage.
type failingCache struct{}

func (failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Delete(context.Context, string) error { return errors.New("cache down") }
func (failingCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("cache down")
}

func newLimiter(t *testing.T, cache store.Cache, clock store.Clock, max int) *Limiter {
	t.Helper()
	return New(cache, max, 100, clock, logger.Discard())
}

func TestLimiterAllowsUpToMax(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(t, store.NewMemoryCache(100, clock), clock, 40)
	ctx := context.Background()

	for i := 1; i <= 40; i++ {
		if err := l.Check(ctx, "u1"); err != nil {
			t.Fatalf("send %d rejected: %v", i, err)
		}
	}

	if err := l.Check(ctx, "u1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("41st send = %v, want ErrRateLimited", err)
	}
}

func TestLimiterNewWindowResets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(t, store.NewMemoryCache(100, clock), clock, 2)
	ctx := context.Background()

	_ = l.Check(ctx, "u1")
	_ = l.Check(ctx, "u1")
	if err := l.Check(ctx, "u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("over-limit send = %v, want ErrRateLimited", err)
	}

	clock.now = clock.now.Add(time.Minute)
	if err := l.Check(ctx, "u1"); err != nil {
		t.Errorf("send in new window rejected: %v", err)
	}
}

func TestLimiterUsersAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(t, store.NewMemoryCache(100, clock), clock, 1)
	ctx := context.Background()

	if err := l.Check(ctx, "u1"); err != nil {
		t.Fatalf("u1 first send rejected: %v", err)
	}
	if err := l.Check(ctx, "u2"); err != nil {
		t.Errorf("u2 first send rejected: %v", err)
	}
}

func TestLimiterFallsBackWhenCacheFails(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(t, failingCache{}, clock, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := l.Check(ctx, "u1"); err != nil {
			t.Fatalf("send %d rejected during cache outage: %v", i, err)
		}
	}
	if err := l.Check(ctx, "u1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("over-limit send during outage = %v, want ErrRateLimited", err)
	}
}

func TestLimiterSweepDropsOldBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(t, failingCache{}, clock, 10)
	ctx := context.Background()

	_ = l.Check(ctx, "u1")
	_ = l.Check(ctx, "u2")

	clock.now = clock.now.Add(5 * time.Minute)
	_ = l.Check(ctx, "u3")

	if removed := l.Sweep(2 * time.Minute); removed != 2 {
		t.Errorf("Sweep removed %d buckets, want 2", removed)
	}
	// The fresh bucket survives.
	if removed := l.Sweep(2 * time.Minute); removed != 0 {
		t.Errorf("second Sweep removed %d buckets, want 0", removed)
	}
}

func TestLimiterReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(t, failingCache{}, clock, 10)
	ctx := context.Background()

	_ = l.Check(ctx, "u1")
	_ = l.Check(ctx, "u2")

	if n := l.Reset(); n != 2 {
		t.Errorf("Reset = %d, want 2", n)
	}
}
