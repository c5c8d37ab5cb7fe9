package session

import (
	"fmt"
	"io"
	"strings"

	"github.com/gobwas/ws"

	"github.com/williamchildres/terminal-messenger/internal/hub"
	"github.com/williamchildres/terminal-messenger/internal/metrics"
	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

// readLoop consumes frames until the connection dies or a handler decides
// the session is over. It reads headers and payloads directly so that
// control frames stay visible: pings are answered through the writer and
// pongs are forwarded to the keeper.
func (s *Session) readLoop() {
	defer s.teardown("read_error")

	var (
		pending   []byte
		pendingOp ws.OpCode
	)
	for {
		hdr, err := ws.ReadHeader(s.conn)
		if err != nil {
			return
		}
		if hdr.Length > maxFrameBytes || int64(len(pending))+hdr.Length > maxFrameBytes {
			s.logger.Warn().Int64("length", hdr.Length).Msg("frame exceeds size limit")
			s.teardown("frame_too_large")
			return
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		switch hdr.OpCode {
		case ws.OpText, ws.OpBinary:
			if !hdr.Fin {
				pendingOp = hdr.OpCode
				pending = append(pending[:0], payload...)
				continue
			}
			if !s.handleData(hdr.OpCode, payload) {
				return
			}
		case ws.OpContinuation:
			pending = append(pending, payload...)
			if !hdr.Fin {
				continue
			}
			msg := pending
			pending = nil
			if !s.handleData(pendingOp, msg) {
				return
			}
		case ws.OpPing:
			if !s.handle.Enqueue(hub.Frame{Op: ws.OpPong, Payload: payload}) {
				s.teardown("slow_consumer")
				return
			}
		case ws.OpPong:
			select {
			case s.pongCh <- struct{}{}:
			default:
			}
		case ws.OpClose:
			s.teardown("client_close")
			return
		}
	}
}

// handleData processes one complete data message. Binary payloads are
// accepted and dropped. The return value reports whether reading should
// continue.
func (s *Session) handleData(op ws.OpCode, payload []byte) bool {
	if op != ws.OpText {
		s.logger.Debug().Int("bytes", len(payload)).Msg("ignoring binary frame")
		return true
	}
	metrics.FrameSizeBytes.Observe(float64(len(payload)))

	env, err := protocol.Decode(payload)
	if err != nil {
		metrics.MalformedFramesTotal.Inc()
		s.logger.Debug().Err(err).Msg("discarding malformed frame")
		return true
	}

	if !s.authed {
		return s.handleLogin(env)
	}

	switch {
	case env.Chat != nil:
		metrics.MessagesReceivedTotal.Inc()
		s.handle.IncMessageCount()
		// The sender field is stamped server side; whatever the client
		// put there is discarded.
		msg := protocol.NewChat(s.handle.Username(), env.Chat.Content)
		s.deps.History.Append(msg)
		s.deps.Router.FanOut(msg)
	case env.Command != nil:
		s.deps.Dispatcher.Dispatch(s.handle, env.Command.Name, env.Command.Args)
	case env.System != nil:
		s.logger.Debug().Msg("discarding client system message")
	}
	return true
}

// handleLogin runs one credential attempt. Only system messages count;
// other envelope kinds are discarded without consuming an attempt.
func (s *Session) handleLogin(env protocol.Envelope) bool {
	if env.System == nil {
		s.logger.Debug().Str("kind", env.Kind()).Msg("ignoring envelope before authentication")
		return true
	}

	username, password, _ := strings.Cut(*env.System, ":")
	if s.deps.Credentials.Verify(username, password) {
		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		s.authed = true
		s.handle.SetUsername(username)
		s.sendSystem("Authentication successful")

		// Replay before the handle becomes visible to the router, so the
		// backlog always lands ahead of live traffic.
		for _, e := range s.deps.History.Snapshot() {
			s.sendEnvelope(e)
		}
		s.deps.Registry.Insert(s.handle)

		s.wg.Add(1)
		go s.keepAlive()

		s.logger.Info().Str("username", username).Msg("session authenticated")
		return true
	}

	metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
	s.failures++
	remaining := s.cfg.MaxAuthAttempts - s.failures
	s.sendSystem(fmt.Sprintf("Authentication failed. %d attempts remaining.", remaining))
	if remaining <= 0 {
		s.logger.Info().Str("username", username).Msg("max login attempts reached")
		s.sendSystem("Max login attempts reached. Connection closed.")
		s.teardown("auth_failed")
		return false
	}
	return true
}
