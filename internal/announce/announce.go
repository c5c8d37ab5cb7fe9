// Package announce bridges a NATS subject into the chat room. Messages
// published on the subject arrive at every connected session as system
// messages, which lets operators and sibling services reach the room
// without holding a websocket.
package announce

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/williamchildres/terminal-messenger/internal/metrics"
)

// Bridge holds the NATS connection and the room-side delivery callback.
type Bridge struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	deliver func(text string)
	logger  zerolog.Logger
}

// Connect dials NATS and subscribes to the announcement subject. Each
// payload is handed to deliver verbatim. Reconnects are unbounded; the
// room outlives broker restarts.
func Connect(url, subject string, deliver func(string), logger zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		subject: subject,
		deliver: deliver,
		logger:  logger.With().Str("component", "announce").Logger(),
	}

	opts := []nats.Option{
		nats.Name("terminal-messenger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		metrics.AnnouncementsTotal.WithLabelValues("nats").Inc()
		b.deliver(string(msg.Data))
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	b.sub = sub

	b.logger.Info().Str("url", url).Str("subject", subject).Msg("announcement bridge up")
	return b, nil
}

// Publish sends an announcement through the broker. The local room hears
// it via its own subscription, same as every other instance.
func (b *Bridge) Publish(text string) error {
	if err := b.conn.Publish(b.subject, []byte(text)); err != nil {
		return fmt.Errorf("publish to %s: %w", b.subject, err)
	}
	return nil
}

// Connected reports broker reachability for the health endpoint.
func (b *Bridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains the subscription so in-flight announcements still land.
func (b *Bridge) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("nats drain")
	}
}
