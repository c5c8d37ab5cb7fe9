// Package session owns the per-connection lifecycle: the authentication
// handshake, the reader/writer/keeper tasks, and the single-shot teardown
// they converge on.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/williamchildres/terminal-messenger/internal/auth"
	"github.com/williamchildres/terminal-messenger/internal/command"
	"github.com/williamchildres/terminal-messenger/internal/history"
	"github.com/williamchildres/terminal-messenger/internal/hub"
	"github.com/williamchildres/terminal-messenger/internal/metrics"
	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

const (
	// Time allowed for a single write to the peer.
	writeWait = 5 * time.Second

	// Upper bound on a single inbound message, including fragmented ones.
	maxFrameBytes = 1 << 20
)

// Config holds the per-session timing and capacity knobs.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxAuthAttempts int
	SendBuffer      int
}

// Deps are the shared collaborators a session works against.
type Deps struct {
	Registry    *hub.Registry
	Router      *hub.Router
	Dispatcher  *command.Dispatcher
	Credentials *auth.Store
	History     *history.Ring
}

// Session drives one client connection. Three tasks cooperate over the
// handle's outbound queue: the reader (this goroutine), the writer, and the
// keeper. All failure paths converge on teardown, which runs exactly once.
type Session struct {
	handle *hub.Handle
	conn   net.Conn
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	// Reader-only state.
	authed   bool
	failures int

	pongCh chan struct{}

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a session for an upgraded connection and assigns its
// connection id.
func New(conn net.Conn, cfg Config, deps Deps, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		handle: hub.NewHandle(id, cfg.SendBuffer),
		conn:   conn,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "session").Str("conn_id", id).Logger(),
		pongCh: make(chan struct{}, 1),
	}
	s.handle.OnKick(s.teardown)
	return s
}

// ID returns the session's connection id.
func (s *Session) ID() string { return s.handle.ID() }

// Serve runs the session until teardown completes and all tasks have
// exited. The context is the server's lifetime: cancellation tears the
// session down.
func (s *Session) Serve(ctx context.Context) {
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	defer metrics.ConnectionsCurrent.Dec()

	s.logger.Info().Str("remote_addr", s.conn.RemoteAddr().String()).Msg("session started")

	s.wg.Add(2)
	go s.writeLoop()
	go s.watchShutdown(ctx)

	s.readLoop()
	s.wg.Wait()
}

func (s *Session) watchShutdown(ctx context.Context) {
	defer s.wg.Done()
	select {
	case <-ctx.Done():
		s.teardown("server_shutdown")
	case <-s.handle.Done():
	}
}

// teardown is the single-shot disconnect path. Any task may call it; the
// gate admits exactly one caller. Sequence: remove from the registry,
// announce the departure to the remaining sessions, then let the writer
// finish the transport.
func (s *Session) teardown(reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	metrics.DisconnectsTotal.WithLabelValues(reason).Inc()

	name := s.handle.Username()
	if name == "" {
		name = s.handle.ID()
	}

	removed := s.deps.Registry.Remove(s.handle.ID())
	if removed != nil {
		// Best effort; enqueue failures here only kick the recipient.
		s.deps.Router.FanOut(protocol.NewSystem(name + " has disconnected."))
	}

	s.handle.Close()
	s.logger.Info().Str("reason", reason).Str("username", name).Msg("session closed")
}

// sendEnvelope queues an envelope for this session's writer. A full or
// closing queue tears the session down.
func (s *Session) sendEnvelope(e protocol.Envelope) {
	data, err := protocol.Encode(e)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode outbound envelope")
		return
	}
	if !s.handle.Enqueue(hub.TextFrame(data)) {
		metrics.MessagesDroppedTotal.Inc()
		s.teardown("slow_consumer")
	}
}

func (s *Session) sendSystem(text string) {
	s.sendEnvelope(protocol.NewSystem(text))
}
