// Package aistream runs streaming AI responses inside rooms. Each response
// is a session: an aiMessageStart frame, a chunk sequence that every room
// peer observes, and a final persisted message. Sessions outlive the
// initiating user's connection.
package aistream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waynelab/chathub/internal/ai"
	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/registry"
	"github.com/waynelab/chathub/internal/store"
	"github.com/waynelab/chathub/internal/wire"
)

// Broadcaster delivers an event to every session in a room.
type Broadcaster interface {
	BroadcastRoom(roomID string, ev wire.Event, exclude ...string)
}

// session is one in-flight streaming response.
type session struct {
	id     string
	roomID string
	userID string
	model  string
	cancel context.CancelFunc

	mu        sync.Mutex
	content   strings.Builder
	lastChunk time.Time
}

func (s *session) append(chunk string, at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.WriteString(chunk)
	s.lastChunk = at
	return s.content.String()
}

func (s *session) full() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunk
}

// Coordinator owns the active stream table and the generator goroutines.
type Coordinator struct {
	gen      ai.Generator
	messages store.MessageRepo
	cache    store.Cache
	caster   Broadcaster
	sessions *registry.Bounded[string, *session]

	pageSize int
	clock    store.Clock
	logger   *logger.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator wires the stream table, capped at maxStreams concurrent
// sessions.
func NewCoordinator(gen ai.Generator, messages store.MessageRepo, cache store.Cache, caster Broadcaster, maxStreams, pageSize int, clock store.Clock, log *logger.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		gen:      gen,
		messages: messages,
		cache:    cache,
		caster:   caster,
		sessions: registry.NewBounded[string, *session](maxStreams),
		pageSize: pageSize,
		clock:    clock,
		logger:   log.WithComponent("aistream"),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Start opens a streaming response from modelName in roomID. The stream is
// detached from the initiating connection; the room, not the user, is the
// audience.
func (c *Coordinator) Start(roomID, userID, modelName, query string) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	s := &session{
		id:        uuid.NewString(),
		roomID:    roomID,
		userID:    userID,
		model:     modelName,
		cancel:    cancel,
		lastChunk: c.clock.Now(),
	}
	c.sessions.Set(s.id, s)

	c.caster.BroadcastRoom(roomID, wire.NewEvent(wire.EvAIMessageStart, wire.AIStartPayload{
		StreamID:  s.id,
		Model:     modelName,
		Timestamp: c.clock.Now(),
	}))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, s, query)
	}()
}

// run consumes the generator's chunk stream for one session.
func (c *Coordinator) run(ctx context.Context, s *session, query string) {
	chunks, err := c.gen.Stream(ctx, s.model, query)
	if err != nil {
		c.fail(s, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.sessions.Delete(s.id)
			return
		case chunk, ok := <-chunks:
			if !ok {
				c.complete(s)
				return
			}
			if chunk.Err != nil {
				c.fail(s, chunk.Err)
				return
			}
			if chunk.Content != "" {
				full := s.append(chunk.Content, c.clock.Now())
				c.caster.BroadcastRoom(s.roomID, wire.NewEvent(wire.EvAIMessageChunk, wire.AIChunkPayload{
					StreamID:    s.id,
					Chunk:       chunk.Content,
					FullContent: full,
				}))
			}
			if chunk.Final {
				c.complete(s)
				return
			}
		}
	}
}

// complete persists the accumulated response as an ai message and announces
// it. A session that produced no content completes silently.
func (c *Coordinator) complete(s *session) {
	defer c.sessions.Delete(s.id)

	content := s.full()
	if content == "" {
		return
	}

	msg := &model.Message{
		ID:        uuid.NewString(),
		RoomID:    s.roomID,
		Content:   content,
		Kind:      model.KindAI,
		AIModel:   s.model,
		CreatedAt: c.clock.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.messages.Create(ctx, msg); err != nil {
		c.logger.Error("ai message persist failed",
			slog.String("stream_id", s.id),
			slog.String("room_id", s.roomID),
			slog.String("error", err.Error()))
		c.caster.BroadcastRoom(s.roomID, wire.NewEvent(wire.EvAIMessageError, wire.AIErrorPayload{StreamID: s.id}))
		return
	}
	_ = c.cache.Delete(ctx, store.HistoryLatestKey(s.roomID, c.pageSize))

	c.caster.BroadcastRoom(s.roomID, wire.NewEvent(wire.EvAIMessageComplete, wire.AICompletePayload{
		StreamID: s.id,
		Message:  wire.NewMessagePayload(msg, nil, nil),
	}))
}

// fail drops the session and tells the room the stream died. Partial content
// is discarded, not persisted.
func (c *Coordinator) fail(s *session, err error) {
	c.sessions.Delete(s.id)
	c.logger.Warn("ai stream failed",
		slog.String("stream_id", s.id),
		slog.String("model", s.model),
		slog.String("error", err.Error()))
	c.caster.BroadcastRoom(s.roomID, wire.NewEvent(wire.EvAIMessageError, wire.AIErrorPayload{StreamID: s.id}))
}

// ExpireIdle cancels sessions with no chunk activity for maxIdle. Expiry is
// silent; a stalled upstream already looks dead to the room.
func (c *Coordinator) ExpireIdle(maxIdle time.Duration) int {
	cutoff := c.clock.Now().Add(-maxIdle)
	expired := 0
	c.sessions.Range(func(id string, s *session) bool {
		if s.idleSince().Before(cutoff) {
			s.cancel()
			c.sessions.Delete(id)
			expired++
		}
		return true
	})
	return expired
}

// Len reports the number of active streams.
func (c *Coordinator) Len() int {
	return c.sessions.Len()
}

// Shutdown cancels every stream and waits for the goroutines, bounded by
// ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
