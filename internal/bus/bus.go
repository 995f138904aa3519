// Package bus is the cross-instance fabric. One topic per room carries the
// outbound events other instances must replay to their local sessions.
// Delivery order is whatever the bus provides; there is no total order
// across instances, and persistence stays authoritative.
package bus

import (
	"context"
	"encoding/json"
)

// Envelope wraps one event for transit. Origin carries the publishing
// instance id so subscribers can drop their own events, which were already
// delivered locally.
type Envelope struct {
	Kind    string          `json:"kind"`
	Room    string          `json:"room"`
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"` // user to skip on delivery, e.g. read-receipt caller
	Payload json.RawMessage `json:"payload"`
}

// Handler consumes envelopes from a subscription. Handlers must not block;
// slow consumers are the subscriber's problem, not the bus's.
type Handler func(env Envelope)

// Unsubscribe tears down one subscription.
type Unsubscribe func()

// PubSub is the fan-out fabric contract. Publish failures are logged by
// callers and never break local delivery.
type PubSub interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(topic string, h Handler) (Unsubscribe, error)
	Close() error
}

// RoomTopic names the per-room topic.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// AllRoomsTopic subscribes across the whole room namespace. An instance
// replays any room event; sessions not in the room simply are not fanned
// out to.
const AllRoomsTopic = "room:*"
