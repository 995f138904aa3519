package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/waynelab/chathub/internal/bus"
	"github.com/waynelab/chathub/internal/connection"
	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/store"
	"github.com/waynelab/chathub/internal/wire"
)

// memStore is a shared in-memory backend standing in for firestore. Both
// test gateways point at the same instance, like two servers sharing one
// database.
type memStore struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	rooms    map[string]*model.Room
	users    map[string]*model.User
	sessions map[string]string // sessionID -> userID
	touches  map[string]int    // sessionID -> Touch calls
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[string]*model.Message),
		rooms:    make(map[string]*model.Room),
		users:    make(map[string]*model.User),
		sessions: make(map[string]string),
		touches:  make(map[string]int),
	}
}

func (m *memStore) touchCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touches[sessionID]
}

func (m *memStore) Create(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; !exists {
		m.messages[msg.ID] = msg
	}
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

func (m *memStore) Find(_ context.Context, f store.MessageFilter, limit int) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Message
	for _, msg := range m.messages {
		if msg.RoomID != f.RoomID || msg.Deleted {
			continue
		}
		if !f.Before.IsZero() && !msg.CreatedAt.Before(f.Before) {
			continue
		}
		out = append(out, msg)
	}
	// Newest first; ties are fine for these tests.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AddReader(_ context.Context, messageID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	if !msg.HasReader(userID) {
		msg.Readers = append(msg.Readers, model.Reader{UserID: userID, ReadAt: at})
	}
	return nil
}

func (m *memStore) SetReaction(_ context.Context, messageID, emoji, userID string, add bool) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	if add {
		msg.Reactions[emoji] = append(msg.Reactions[emoji], userID)
	} else {
		kept := msg.Reactions[emoji][:0]
		for _, u := range msg.Reactions[emoji] {
			if u != userID {
				kept = append(kept, u)
			}
		}
		msg.Reactions[emoji] = kept
	}
	return msg, nil
}

type memRooms struct{ s *memStore }

func (r memRooms) Get(_ context.Context, id string) (*model.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *room
	cp.Participants = append([]string(nil), room.Participants...)
	return &cp, nil
}

func (r memRooms) AddParticipant(_ context.Context, roomID, userID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !room.HasParticipant(userID) {
		room.Participants = append(room.Participants, userID)
	}
	return append([]string(nil), room.Participants...), nil
}

func (r memRooms) RemoveParticipant(_ context.Context, roomID, userID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	kept := room.Participants[:0]
	for _, p := range room.Participants {
		if p != userID {
			kept = append(kept, p)
		}
	}
	room.Participants = kept
	return append([]string(nil), room.Participants...), nil
}

type memUsers struct{ s *memStore }

func (u memUsers) Get(_ context.Context, id string) (*model.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return user, nil
}

type memSessions struct{ s *memStore }

func (m memSessions) Validate(_ context.Context, userID, sessionID string) (*model.Session, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	owner, ok := m.s.sessions[sessionID]
	if !ok || owner != userID {
		return nil, store.ErrNotFound
	}
	return &model.Session{ID: sessionID, UserID: userID}, nil
}

func (m memSessions) Touch(_ context.Context, sessionID string, _ time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.touches[sessionID]++
	return nil
}

type noFiles struct{}

func (noFiles) Get(_ context.Context, _ string) (*model.FileRef, error) {
	return nil, store.ErrNotFound
}

// stubVerifier accepts tokens of the form "tok-<userID>".
type stubVerifier struct{}

func (stubVerifier) Verify(token string) (string, error) {
	if !strings.HasPrefix(token, "tok-") {
		return "", store.ErrNotFound
	}
	return strings.TrimPrefix(token, "tok-"), nil
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []wire.Event
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.NewString()} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev wire.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (f *fakeConn) waitFor(t *testing.T, name string) wire.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, ev := range f.events {
			if ev.Name == name {
				f.mu.Unlock()
				return ev
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.events))
	for i, ev := range f.events {
		names[i] = ev.Name
	}
	t.Fatalf("event %q not received (got %v)", name, names)
	return wire.Event{}
}

// waitForMessage waits for a message event whose content matches, skipping
// the system announcements joins produce.
func (f *fakeConn) waitForMessage(t *testing.T, content string) wire.MessagePayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mp, ok := f.findMessage(content); ok {
			return mp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %q not received", content)
	return wire.MessagePayload{}
}

func (f *fakeConn) findMessage(content string) (wire.MessagePayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Name != wire.EvMessage {
			continue
		}
		var mp wire.MessagePayload
		if json.Unmarshal(ev.Payload, &mp) == nil && mp.Content == content {
			return mp, true
		}
	}
	return wire.MessagePayload{}, false
}

func (f *fakeConn) countMessages(content string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Name != wire.EvMessage {
			continue
		}
		var mp wire.MessagePayload
		if json.Unmarshal(ev.Payload, &mp) == nil && mp.Content == content {
			n++
		}
	}
	return n
}

func newGateway(t *testing.T, shared *memStore, b bus.PubSub, origin string, opts Options) *Gateway {
	t.Helper()
	opts.Origin = origin
	g := New(Deps{
		Messages: shared,
		Rooms:    memRooms{s: shared},
		Users:    memUsers{s: shared},
		Files:    noFiles{},
		Sessions: memSessions{s: shared},
		Cache:    store.NewMemoryCache(512, store.SystemClock()),
		Bus:      b,
		Verifier: stubVerifier{},
		Clock:    store.SystemClock(),
		Logger:   logger.Discard(),
	}, opts)
	if err := g.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})
	return g
}

func seedWorld(s *memStore) {
	s.rooms["general"] = &model.Room{ID: "general", Name: "General"}
	s.users["u1"] = &model.User{ID: "u1", Name: "Wayne"}
	s.users["u2"] = &model.User{ID: "u2", Name: "Ada"}
	s.sessions["s1"] = "u1"
	s.sessions["s2"] = "u2"
}

func open(t *testing.T, g *Gateway, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	g.OpenSession(context.Background(), &model.User{ID: userID}, &model.Session{ID: "s-" + userID}, conn, connection.Meta{})
	return conn
}

func join(t *testing.T, g *Gateway, userID, roomID string) {
	t.Helper()
	payload, _ := json.Marshal(wire.JoinRoomRequest{RoomID: roomID})
	g.Dispatch(context.Background(), userID, wire.Event{Name: wire.EvJoinRoom, Payload: payload})
}

func sendChat(g *Gateway, userID, roomID, content string) {
	payload, _ := json.Marshal(wire.ChatMessageRequest{Room: roomID, Content: content})
	g.Dispatch(context.Background(), userID, wire.Event{Name: wire.EvChatMessage, Payload: payload})
}

func TestJoinThenMessageFansOutAcrossInstances(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	b := bus.NewMemoryBus()

	gwA := newGateway(t, shared, b, "instance-a", Options{})
	gwB := newGateway(t, shared, b, "instance-b", Options{})

	c1 := open(t, gwA, "u1")
	c2 := open(t, gwB, "u2")

	join(t, gwA, "u1", "general")
	c1.waitFor(t, wire.EvJoinRoomSuccess)
	join(t, gwB, "u2", "general")
	c2.waitFor(t, wire.EvJoinRoomSuccess)

	sendChat(gwA, "u1", "general", "hello fleet")

	mp := c2.waitForMessage(t, "hello fleet")
	if mp.Sender == nil || mp.Sender.ID != "u1" {
		t.Errorf("sender = %+v", mp.Sender)
	}
	if mp.Room != "general" {
		t.Errorf("room = %q", mp.Room)
	}

	// Sender's own instance delivered exactly one copy: the local fan-out.
	// The bus echo was suppressed by origin.
	c1.waitForMessage(t, "hello fleet")
	time.Sleep(50 * time.Millisecond)
	if n := c1.countMessages("hello fleet"); n != 1 {
		t.Errorf("sender received %d copies of own message", n)
	}
}

func TestJoinUnknownRoomReturnsError(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{})

	c := open(t, gw, "u1")
	join(t, gw, "u1", "nope")
	c.waitFor(t, wire.EvJoinRoomError)
}

func TestRateLimitSurfacesErrorFrame(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{RateLimitPerMinute: 1})

	c := open(t, gw, "u1")
	join(t, gw, "u1", "general")
	c.waitFor(t, wire.EvJoinRoomSuccess)

	sendChat(gw, "u1", "general", "first")
	c.waitForMessage(t, "first")
	sendChat(gw, "u1", "general", "second")

	ev := c.waitFor(t, wire.EvError)
	var ep wire.ErrorPayload
	if err := json.Unmarshal(ev.Payload, &ep); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if ep.Code != wire.CodeRateLimited {
		t.Errorf("code = %q, want RATE_LIMITED", ep.Code)
	}
	time.Sleep(50 * time.Millisecond)
	if n := c.countMessages("second"); n != 0 {
		t.Errorf("rate-limited message reached the room (%d copies)", n)
	}
}

func TestFetchPreviousAnswersWithPage(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{})

	c := open(t, gw, "u1")
	join(t, gw, "u1", "general")
	c.waitFor(t, wire.EvJoinRoomSuccess)

	sendChat(gw, "u1", "general", "only message")
	c.waitForMessage(t, "only message")

	payload, _ := json.Marshal(wire.FetchPreviousRequest{RoomID: "general"})
	gw.Dispatch(context.Background(), "u1", wire.Event{Name: wire.EvFetchPrevious, Payload: payload})

	c.waitFor(t, wire.EvMessageLoadStart)
	ev := c.waitFor(t, wire.EvPreviousMessagesLoaded)
	var page wire.HistoryPagePayload
	if err := json.Unmarshal(ev.Payload, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.HasMore {
		t.Error("hasMore = true for a single-message room")
	}
	found := false
	for _, m := range page.Messages {
		if m.Content == "only message" {
			found = true
		}
	}
	if !found {
		t.Errorf("page missing the sent message: %+v", page.Messages)
	}
}

func TestMarkReadExcludesReaderAcrossInstances(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	b := bus.NewMemoryBus()
	gwA := newGateway(t, shared, b, "a", Options{})
	gwB := newGateway(t, shared, b, "b", Options{})

	c1 := open(t, gwA, "u1")
	c2 := open(t, gwB, "u2")
	join(t, gwA, "u1", "general")
	c1.waitFor(t, wire.EvJoinRoomSuccess)
	join(t, gwB, "u2", "general")
	c2.waitFor(t, wire.EvJoinRoomSuccess)

	sendChat(gwB, "u2", "general", "read me")
	mp := c1.waitForMessage(t, "read me")

	payload, _ := json.Marshal(wire.MarkReadRequest{RoomID: "general", MessageIDs: []string{mp.ID}})
	gwA.Dispatch(context.Background(), "u1", wire.Event{Name: wire.EvMarkRead, Payload: payload})

	c2.waitFor(t, wire.EvMessagesRead)
	time.Sleep(50 * time.Millisecond)
	if n := c1.count(wire.EvMessagesRead); n != 0 {
		t.Errorf("reader received its own messagesRead %d times", n)
	}
}

func TestForceLoginEndsPreemptedSessionEarly(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{PreemptGrace: time.Hour})

	old := open(t, gw, "u1")
	fresh := open(t, gw, "u1")
	old.waitFor(t, wire.EvDuplicateLogin)

	payload, _ := json.Marshal(wire.ForceLoginRequest{Token: "tok-u1"})
	gw.Dispatch(context.Background(), "u1", wire.Event{Name: wire.EvForceLogin, Payload: payload})

	ended := old.waitFor(t, wire.EvSessionEnded)
	var se wire.SessionEndedPayload
	if err := json.Unmarshal(ended.Payload, &se); err != nil {
		t.Fatalf("decode session_ended: %v", err)
	}
	if se.Reason != wire.ReasonForceLogout {
		t.Errorf("reason = %q, want force_logout", se.Reason)
	}
	if old.Alive() {
		t.Error("pre-empted handle still alive after force_login")
	}
	if fresh.count(wire.EvSessionEnded) != 0 {
		t.Error("fresh session was terminated")
	}
}

func TestForceLoginWithForeignTokenIgnored(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{PreemptGrace: time.Hour})

	old := open(t, gw, "u1")
	open(t, gw, "u1")
	old.waitFor(t, wire.EvDuplicateLogin)

	payload, _ := json.Marshal(wire.ForceLoginRequest{Token: "tok-u2"})
	gw.Dispatch(context.Background(), "u1", wire.Event{Name: wire.EvForceLogin, Payload: payload})

	time.Sleep(50 * time.Millisecond)
	if n := old.count(wire.EvSessionEnded); n != 0 {
		t.Error("foreign token ended the session")
	}
}

func TestChatMessageTouchesDurableSession(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{SessionTouchInterval: time.Nanosecond})

	c := open(t, gw, "u1")
	join(t, gw, "u1", "general")
	c.waitFor(t, wire.EvJoinRoomSuccess)

	sendChat(gw, "u1", "general", "keepalive")
	c.waitForMessage(t, "keepalive")

	deadline := time.Now().Add(2 * time.Second)
	for shared.touchCount("s-u1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := shared.touchCount("s-u1"); n != 1 {
		t.Errorf("session touched %d times, want 1", n)
	}
}

func TestChatMessageTouchThrottled(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{SessionTouchInterval: time.Hour})

	c := open(t, gw, "u1")
	join(t, gw, "u1", "general")
	c.waitFor(t, wire.EvJoinRoomSuccess)

	sendChat(gw, "u1", "general", "within the window")
	c.waitForMessage(t, "within the window")

	time.Sleep(50 * time.Millisecond)
	if n := shared.touchCount("s-u1"); n != 0 {
		t.Errorf("session touched %d times inside the throttle window, want 0", n)
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	shared := newMemStore()
	seedWorld(shared)
	gw := newGateway(t, shared, bus.NewMemoryBus(), "a", Options{})

	c1 := open(t, gw, "u1")
	c2 := open(t, gw, "u2")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gw.Shutdown(ctx)

	for _, c := range []*fakeConn{c1, c2} {
		if c.Alive() {
			t.Error("session alive after shutdown")
		}
		if c.count(wire.EvSessionEnded) != 1 {
			t.Error("session_ended not delivered on shutdown")
		}
	}
}
