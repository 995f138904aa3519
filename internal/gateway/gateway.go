// Package gateway composes the realtime core: it owns the connection
// registry and every service, fans events out to local sessions and over
// the bus, and routes inbound frames from the transport to the services.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/waynelab/chathub/internal/ai"
	"github.com/waynelab/chathub/internal/aistream"
	"github.com/waynelab/chathub/internal/auth"
	"github.com/waynelab/chathub/internal/bus"
	"github.com/waynelab/chathub/internal/chat"
	"github.com/waynelab/chathub/internal/connection"
	"github.com/waynelab/chathub/internal/history"
	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/metrics"
	"github.com/waynelab/chathub/internal/model"
	"github.com/waynelab/chathub/internal/ratelimit"
	"github.com/waynelab/chathub/internal/room"
	"github.com/waynelab/chathub/internal/store"
	"github.com/waynelab/chathub/internal/wire"
)

// Deps are the external collaborators the gateway composes over.
type Deps struct {
	Messages store.MessageRepo
	Rooms    store.RoomRepo
	Users    store.UserRepo
	Files    store.FileRepo
	Sessions auth.SessionStore
	Cache    store.Cache
	Bus      bus.PubSub
	Verifier auth.Verifier
	// Generator may be nil; @-mentions are then ignored.
	Generator ai.Generator
	Clock     store.Clock
	Logger    *logger.Logger
}

// Options tune the composed services.
type Options struct {
	// Origin overrides the instance id stamped on bus envelopes. Tests run
	// several gateways in one process; production leaves it empty.
	Origin             string
	MaxConnections     int
	MaxStreams         int
	MaxRoomEntries     int
	PreemptGrace       time.Duration
	RateLimitPerMinute int
	RateBucketCap      int
	UserCacheSize      int
	UserCacheTTL       time.Duration
	AccessTTL          time.Duration
	HistoryPageSize    int
	History            history.Options
	AIModels           []string
	// SessionTouchInterval throttles durable last-activity updates per
	// session; at most one store write per interval.
	SessionTouchInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 2000
	}
	if o.MaxStreams <= 0 {
		o.MaxStreams = 500
	}
	if o.MaxRoomEntries <= 0 {
		o.MaxRoomEntries = 2000
	}
	if o.PreemptGrace <= 0 {
		o.PreemptGrace = 8 * time.Second
	}
	if o.UserCacheSize <= 0 {
		o.UserCacheSize = 2000
	}
	if o.UserCacheTTL <= 0 {
		o.UserCacheTTL = 5 * time.Minute
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 5 * time.Minute
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = 25
	}
	if o.SessionTouchInterval <= 0 {
		o.SessionTouchInterval = time.Minute
	}
	o.History.PageSize = o.HistoryPageSize
	o.History.AccessTTL = o.AccessTTL
}

// Gateway is the per-instance realtime core.
type Gateway struct {
	conns   *connection.Registry
	rooms   *room.Service
	chat    *chat.Service
	history *history.Loader
	streams *aistream.Coordinator
	limiter *ratelimit.Limiter
	authn   *auth.Authenticator

	bus    bus.PubSub
	origin string
	unsub  bus.Unsubscribe

	sessStore  auth.SessionStore
	touchEvery time.Duration
	sessMu     sync.Mutex
	sessions   map[string]*sessionRef // userID -> durable session

	clock  store.Clock
	logger *logger.Logger
}

// sessionRef tracks the durable session behind a connection and when its
// last-activity was last written through.
type sessionRef struct {
	id        string
	touchedAt time.Time
}

// New composes the core. Call Run to attach the bus subscription.
func New(deps Deps, opts Options) *Gateway {
	opts.applyDefaults()
	log := deps.Logger

	origin := opts.Origin
	if origin == "" {
		origin = logger.InstanceID()
	}
	g := &Gateway{
		bus:        deps.Bus,
		origin:     origin,
		sessStore:  deps.Sessions,
		touchEvery: opts.SessionTouchInterval,
		sessions:   make(map[string]*sessionRef),
		clock:      deps.Clock,
		logger:     log.WithComponent("gateway"),
	}

	g.authn = auth.NewAuthenticator(deps.Verifier, deps.Sessions, deps.Users,
		opts.UserCacheSize, opts.UserCacheTTL, deps.Clock, log)
	g.conns = connection.NewRegistry(opts.MaxConnections, opts.PreemptGrace, deps.Clock, log)
	g.limiter = ratelimit.New(deps.Cache, opts.RateLimitPerMinute, opts.RateBucketCap, deps.Clock, log)
	g.rooms = room.NewService(deps.Rooms, deps.Messages, g.authn, deps.Cache, g,
		opts.MaxRoomEntries, opts.AccessTTL, opts.HistoryPageSize, deps.Clock, log)
	g.history = history.NewLoader(deps.Messages, deps.Rooms, g.authn, deps.Files, deps.Cache,
		opts.History, deps.Clock, log)

	var spawner chat.AISpawner
	if deps.Generator != nil {
		g.streams = aistream.NewCoordinator(deps.Generator, deps.Messages, deps.Cache, g,
			opts.MaxStreams, opts.HistoryPageSize, deps.Clock, log)
		spawner = g.streams
	}
	g.chat = chat.NewService(deps.Messages, deps.Files, g.authn, deps.Cache, g, g.limiter,
		g.rooms, spawner, opts.AIModels, opts.HistoryPageSize, deps.Clock, log)

	return g
}

// Authenticator exposes handshake validation to the transport.
func (g *Gateway) Authenticator() *auth.Authenticator { return g.authn }

// Connections exposes the registry for the janitor and tests.
func (g *Gateway) Connections() *connection.Registry { return g.conns }

// Limiter exposes the rate limiter for the janitor.
func (g *Gateway) Limiter() *ratelimit.Limiter { return g.limiter }

// History exposes the loader for the janitor.
func (g *Gateway) History() *history.Loader { return g.history }

// Streams exposes the AI coordinator for the janitor; nil without a
// generator.
func (g *Gateway) Streams() *aistream.Coordinator { return g.streams }

// Run subscribes the instance to the room namespace on the bus.
func (g *Gateway) Run() error {
	unsub, err := g.bus.Subscribe(bus.AllRoomsTopic, g.onBusEvent)
	if err != nil {
		return err
	}
	g.unsub = unsub
	return nil
}

// BroadcastRoom delivers ev to every local session in roomID and publishes
// it for the rest of the fleet. Implements the services' Broadcaster.
func (g *Gateway) BroadcastRoom(roomID string, ev wire.Event, exclude ...string) {
	g.deliverLocal(roomID, ev, exclude...)

	env := bus.Envelope{
		Kind:    ev.Name,
		Room:    roomID,
		Origin:  g.origin,
		Payload: ev.Payload,
	}
	if len(exclude) == 1 {
		env.Exclude = exclude[0]
	}
	if err := g.bus.Publish(context.Background(), bus.RoomTopic(roomID), env); err != nil {
		g.logger.Warn("bus publish failed",
			slog.String("room_id", roomID),
			slog.String("kind", ev.Name),
			slog.String("error", err.Error()))
		return
	}
	metrics.BusPublished.Inc()
}

// deliverLocal fans ev out to this instance's sessions in roomID.
func (g *Gateway) deliverLocal(roomID string, ev wire.Event, exclude ...string) {
	skip := make(map[string]struct{}, len(exclude))
	for _, u := range exclude {
		skip[u] = struct{}{}
	}

	g.conns.Range(func(userID string, conn connection.Conn) bool {
		if _, excluded := skip[userID]; excluded {
			return true
		}
		if current, ok := g.rooms.CurrentRoom(userID); !ok || current != roomID {
			return true
		}
		if conn.Send(ev) {
			metrics.MessagesOut.Inc()
		}
		return true
	})
}

// onBusEvent replays a fleet event to local sessions. Own-origin envelopes
// are dropped; their event was already delivered locally at publish time.
func (g *Gateway) onBusEvent(env bus.Envelope) {
	if env.Origin == g.origin {
		return
	}
	metrics.BusReceived.Inc()

	ev := wire.Event{Name: env.Kind, Payload: env.Payload}
	if env.Exclude != "" {
		g.deliverLocal(env.Room, ev, env.Exclude)
		return
	}
	g.deliverLocal(env.Room, ev)
}

// OpenSession registers an authenticated connection.
func (g *Gateway) OpenSession(_ context.Context, user *model.User, sess *model.Session, conn connection.Conn, meta connection.Meta) {
	if preempted := g.conns.Register(user.ID, conn, meta); preempted {
		metrics.Preemptions.Inc()
	}
	metrics.ActiveConnections.Set(float64(g.conns.Len()))

	// The handshake already wrote last-activity; start the throttle window
	// from here.
	g.sessMu.Lock()
	g.sessions[user.ID] = &sessionRef{id: sess.ID, touchedAt: g.clock.Now()}
	g.sessMu.Unlock()

	g.logger.Info("session opened",
		slog.String("user_id", user.ID),
		slog.String("session_id", sess.ID),
		slog.String("conn_id", conn.ID()))
}

// CloseSession tears a connection down. If the handle was still the user's
// active session the departure is announced; a pre-empted handle leaves
// silently because its replacement is already live.
func (g *Gateway) CloseSession(ctx context.Context, userID string, conn connection.Conn) {
	wasActive := g.conns.Unregister(userID, conn)
	if wasActive {
		g.rooms.DisconnectCleanup(ctx, userID, true)
		g.sessMu.Lock()
		delete(g.sessions, userID)
		g.sessMu.Unlock()
	}
	conn.Close()
	metrics.ActiveConnections.Set(float64(g.conns.Len()))
}

// Shutdown announces shutdown to every session, stops AI streams and
// detaches from the bus.
func (g *Gateway) Shutdown(ctx context.Context) {
	if g.unsub != nil {
		g.unsub()
	}
	if g.streams != nil {
		if err := g.streams.Shutdown(ctx); err != nil {
			g.logger.Warn("ai streams did not drain", slog.String("error", err.Error()))
		}
	}
	g.conns.CloseAll(wire.ReasonServerShutdown)
	metrics.ActiveConnections.Set(0)
}

func errorEvent(code, message string) wire.Event {
	return wire.NewEvent(wire.EvError, wire.ErrorPayload{Code: code, Message: message})
}

// sendTo targets the user's active session, if any.
func (g *Gateway) sendTo(userID string, ev wire.Event) {
	if conn, ok := g.conns.Lookup(userID); ok {
		conn.Send(ev)
	}
}

// touchSession writes the durable session's last-activity through, at most
// once per throttle interval, off the dispatch path.
func (g *Gateway) touchSession(userID string) {
	now := g.clock.Now()

	g.sessMu.Lock()
	ref, ok := g.sessions[userID]
	if !ok || now.Sub(ref.touchedAt) < g.touchEvery {
		g.sessMu.Unlock()
		return
	}
	ref.touchedAt = now
	sessionID := ref.id
	g.sessMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.sessStore.Touch(ctx, sessionID, now); err != nil {
			g.logger.Debug("session touch failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}()
}
