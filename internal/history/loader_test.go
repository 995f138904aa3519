package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/metrics"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// fakeMessages serves a fixed message log newest-first, optionally failing
// the first failN Find calls. blockCh, when set, parks Find until closed.
type fakeMessages struct {
	mu      sync.Mutex
	log     []*model.Message // ascending by CreatedAt
	failN   int
	finds   int
	readers map[string][]string // messageID -> userIDs
	blockCh chan struct{}
}

func (f *fakeMessages) Create(_ context.Context, _ *model.Message) error { return nil }

func (f *fakeMessages) Get(_ context.Context, _ string) (*model.Message, error) {
	return nil, store.ErrNotFound
}

func (f *fakeMessages) Find(ctx context.Context, filter store.MessageFilter, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	f.finds++
	shouldFail := f.finds <= f.failN
	block := f.blockCh
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail {
		return nil, errors.New("backend unavailable")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Message
	for i := len(f.log) - 1; i >= 0 && len(out) < limit; i-- {
		msg := f.log[i]
		if msg.RoomID != filter.RoomID {
			continue
		}
		if !filter.Before.IsZero() && !msg.CreatedAt.Before(filter.Before) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (f *fakeMessages) AddReader(_ context.Context, messageID, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readers == nil {
		f.readers = make(map[string][]string)
	}
	f.readers[messageID] = append(f.readers[messageID], userID)
	return nil
}

func (f *fakeMessages) SetReaction(_ context.Context, _, _, _ string, _ bool) (*model.Message, error) {
	return nil, store.ErrNotFound
}

func (f *fakeMessages) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

type fakeRooms struct {
	room *model.Room
}

func (f *fakeRooms) Get(_ context.Context, id string) (*model.Room, error) {
	if f.room == nil || f.room.ID != id {
		return nil, store.ErrNotFound
	}
	return f.room, nil
}

func (f *fakeRooms) AddParticipant(_ context.Context, _, _ string) ([]string, error) {
	return nil, store.ErrNotFound
}

func (f *fakeRooms) RemoveParticipant(_ context.Context, _, _ string) ([]string, error) {
	return nil, store.ErrNotFound
}

type fakeResolver struct{}

func (fakeResolver) ResolveUser(_ context.Context, id string) (*model.User, error) {
	return &model.User{ID: id, Name: "user " + id}, nil
}

type fakeFiles struct{}

func (fakeFiles) Get(_ context.Context, _ string) (*model.FileRef, error) {
	return nil, store.ErrNotFound
}

func seedLog(n int) []*model.Message {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	log := make([]*model.Message, 0, n)
	for i := 0; i < n; i++ {
		log = append(log, &model.Message{
			ID:        fmt.Sprintf("m%03d", i),
			RoomID:    "general",
			SenderID:  "u2",
			Content:   fmt.Sprintf("message %d", i),
			Kind:      model.KindText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return log
}

func newLoader(messages *fakeMessages, clock store.Clock, opts Options) *Loader {
	rooms := &fakeRooms{room: &model.Room{ID: "general", Participants: []string{"u1", "u2"}}}
	cache := store.NewMemoryCache(256, clock)
	if clock == nil {
		clock = store.SystemClock()
	}
	return NewLoader(messages, rooms, fakeResolver{}, fakeFiles{}, cache, opts, clock, logger.Discard())
}

func TestFetchPaginatesSixtyMessages(t *testing.T) {
	messages := &fakeMessages{log: seedLog(60)}
	l := newLoader(messages, nil, Options{PageSize: 25, HistoryTTL: time.Nanosecond})
	ctx := context.Background()

	page1, err := l.Fetch(ctx, "u1", "general", time.Time{}, nil)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1.Messages) != 25 || !page1.HasMore {
		t.Fatalf("page 1: %d messages, hasMore=%v", len(page1.Messages), page1.HasMore)
	}
	if page1.Messages[0].ID != "m035" || page1.Messages[24].ID != "m059" {
		t.Errorf("page 1 span %s..%s, want m035..m059 ascending", page1.Messages[0].ID, page1.Messages[24].ID)
	}

	page2, err := l.Fetch(ctx, "u1", "general", *page1.OldestTimestamp, nil)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2.Messages) != 25 || !page2.HasMore {
		t.Fatalf("page 2: %d messages, hasMore=%v", len(page2.Messages), page2.HasMore)
	}
	if page2.Messages[0].ID != "m010" || page2.Messages[24].ID != "m034" {
		t.Errorf("page 2 span %s..%s, want m010..m034", page2.Messages[0].ID, page2.Messages[24].ID)
	}

	page3, err := l.Fetch(ctx, "u1", "general", *page2.OldestTimestamp, nil)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3.Messages) != 10 || page3.HasMore {
		t.Errorf("page 3: %d messages, hasMore=%v, want 10 and false", len(page3.Messages), page3.HasMore)
	}
	if page3.Messages[0].ID != "m000" {
		t.Errorf("page 3 starts at %s, want m000", page3.Messages[0].ID)
	}
}

func TestFetchDeniedForNonParticipant(t *testing.T) {
	l := newLoader(&fakeMessages{log: seedLog(5)}, nil, Options{})

	if _, err := l.Fetch(context.Background(), "stranger", "general", time.Time{}, nil); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("err = %v, want ErrAccessDenied", err)
	}
	if _, err := l.Fetch(context.Background(), "u1", "no-such-room", time.Time{}, nil); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("unknown room err = %v, want ErrAccessDenied", err)
	}
}

func TestFetchServesSecondReadFromCache(t *testing.T) {
	messages := &fakeMessages{log: seedLog(10)}
	l := newLoader(messages, nil, Options{PageSize: 25, HistoryTTL: 30 * time.Second})
	ctx := context.Background()

	if _, err := l.Fetch(ctx, "u1", "general", time.Time{}, nil); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	page, err := l.Fetch(ctx, "u1", "general", time.Time{}, nil)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got := messages.findCount(); got != 1 {
		t.Errorf("repository queried %d times, want 1", got)
	}
	if len(page.Messages) != 10 {
		t.Errorf("cached page has %d messages", len(page.Messages))
	}
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	messages := &fakeMessages{log: seedLog(5), failN: 2}
	l := newLoader(messages, nil, Options{Backoff: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	page, err := l.Fetch(context.Background(), "u1", "general", time.Time{}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page.Messages) != 5 {
		t.Errorf("got %d messages", len(page.Messages))
	}
	if got := messages.findCount(); got != 3 {
		t.Errorf("repository queried %d times, want 3", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	messages := &fakeMessages{failN: 100}
	l := newLoader(messages, nil, Options{Backoff: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	_, err := l.Fetch(context.Background(), "u1", "general", time.Time{}, nil)
	if !errors.Is(err, ErrLoadTimeout) {
		t.Errorf("err = %v, want ErrLoadTimeout", err)
	}
	if got := messages.findCount(); got != 3 {
		t.Errorf("repository queried %d times, want 3", got)
	}
}

func TestFetchDropsDuplicateInFlight(t *testing.T) {
	block := make(chan struct{})
	messages := &fakeMessages{log: seedLog(5), blockCh: block}
	l := newLoader(messages, nil, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := l.Fetch(context.Background(), "u1", "general", time.Time{}, nil)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for l.InflightLen() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := l.Fetch(context.Background(), "u1", "general", time.Time{}, nil); !errors.Is(err, ErrFetchInFlight) {
		t.Errorf("duplicate err = %v, want ErrFetchInFlight", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("original fetch: %v", err)
	}
	if l.InflightLen() != 0 {
		t.Error("in-flight marker not released")
	}
}

func TestFetchStartedSignaledOnlyWhenAdmitted(t *testing.T) {
	messages := &fakeMessages{log: seedLog(5)}
	l := newLoader(messages, nil, Options{})
	ctx := context.Background()

	started := 0
	if _, err := l.Fetch(ctx, "u1", "general", time.Time{}, func() { started++ }); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if started != 1 {
		t.Errorf("started called %d times for admitted fetch, want 1", started)
	}

	started = 0
	if _, err := l.Fetch(ctx, "stranger", "general", time.Time{}, func() { started++ }); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if started != 0 {
		t.Errorf("started called %d times for denied fetch, want 0", started)
	}
}

func TestFetchDuplicateNeverSignalsStarted(t *testing.T) {
	block := make(chan struct{})
	messages := &fakeMessages{log: seedLog(5), blockCh: block}
	l := newLoader(messages, nil, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := l.Fetch(context.Background(), "u1", "general", time.Time{}, nil)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for l.InflightLen() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	started := 0
	if _, err := l.Fetch(context.Background(), "u1", "general", time.Time{}, func() { started++ }); !errors.Is(err, ErrFetchInFlight) {
		t.Fatalf("duplicate err = %v, want ErrFetchInFlight", err)
	}
	if started != 0 {
		t.Errorf("started called %d times for deduplicated fetch, want 0", started)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("original fetch: %v", err)
	}
}

func TestFetchCountsCacheOutcomes(t *testing.T) {
	messages := &fakeMessages{log: seedLog(5)}
	l := newLoader(messages, nil, Options{PageSize: 25, HistoryTTL: 30 * time.Second})
	ctx := context.Background()

	hitsBefore := testutil.ToFloat64(metrics.HistoryLoads.WithLabelValues("hit"))
	missesBefore := testutil.ToFloat64(metrics.HistoryLoads.WithLabelValues("miss"))

	if _, err := l.Fetch(ctx, "u1", "general", time.Time{}, nil); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := l.Fetch(ctx, "u1", "general", time.Time{}, nil); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if d := testutil.ToFloat64(metrics.HistoryLoads.WithLabelValues("miss")) - missesBefore; d != 1 {
		t.Errorf("miss outcome recorded %v times, want 1", d)
	}
	if d := testutil.ToFloat64(metrics.HistoryLoads.WithLabelValues("hit")) - hitsBefore; d != 1 {
		t.Errorf("hit outcome recorded %v times, want 1", d)
	}
}

func TestFetchRecordsReadReceipts(t *testing.T) {
	messages := &fakeMessages{log: seedLog(3)}
	l := newLoader(messages, nil, Options{})

	if _, err := l.Fetch(context.Background(), "u1", "general", time.Time{}, nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		messages.mu.Lock()
		n := len(messages.readers)
		messages.mu.Unlock()
		if n == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("read receipts not recorded for fetched page")
}

func TestSweepInflight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	block := make(chan struct{})
	messages := &fakeMessages{log: seedLog(1), blockCh: block}
	l := newLoader(messages, clock, Options{})

	go func() {
		_, _ = l.Fetch(context.Background(), "u1", "general", time.Time{}, nil)
	}()
	deadline := time.Now().Add(time.Second)
	for l.InflightLen() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	clock.advance(10 * time.Minute)
	if n := l.SweepInflight(5 * time.Minute); n != 1 {
		t.Errorf("SweepInflight = %d, want 1", n)
	}
	close(block)
}
