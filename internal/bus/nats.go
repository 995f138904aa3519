package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/waynelab/chathub/internal/logger"
)

// NatsBus implements PubSub on a NATS connection. Topics map to subjects by
// replacing the ":" separator, so "room:r1" publishes on "room.r1".
type NatsBus struct {
	nc     *nats.Conn
	logger *logger.Logger
}

// NewNatsBus wraps an established NATS connection.
func NewNatsBus(nc *nats.Conn, log *logger.Logger) *NatsBus {
	return &NatsBus{
		nc:     nc,
		logger: log.WithComponent("nats-bus"),
	}
}

// Connect dials NATS and returns a bus over the connection.
func Connect(url string, log *logger.Logger) (*NatsBus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return NewNatsBus(nc, log), nil
}

func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func (b *NatsBus) Publish(_ context.Context, topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus encode %s: %w", topic, err)
	}
	if err := b.nc.Publish(subjectFor(topic), data); err != nil {
		return fmt.Errorf("bus publish %s: %w", topic, err)
	}
	return nil
}

func (b *NatsBus) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	sub, err := b.nc.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("dropping undecodable bus event",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			return
		}
		h(env)
	})
	if err != nil {
		return nil, fmt.Errorf("bus subscribe %s: %w", topic, err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}
	}, nil
}

// Close drains the connection so in-flight deliveries finish before exit.
func (b *NatsBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
